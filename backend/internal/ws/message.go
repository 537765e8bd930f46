package ws

import (
	"errors"

	"educollab/backend/internal/collab"
	"educollab/backend/internal/ot"
)

// 客户端入站消息。type 决定哪些字段有效：
//
//	join / leave    docType + docId
//	op_submit       op（op.version 为客户端基准版本 +1）
//	cursor          cursor
//	selection       selection（null 表示清除）
//	sync_request    version（客户端已有的最新版本号）
//	heartbeat       无附加字段
type ClientMessage struct {
	Type      string             `json:"type"`
	DocType   string             `json:"docType,omitempty"`
	DocID     string             `json:"docId,omitempty"`
	Op        *ot.Operation      `json:"op,omitempty"`
	Cursor    *ot.CursorPosition `json:"cursor,omitempty"`
	Selection *ot.SelectionRange `json:"selection,omitempty"`
	Version   uint64             `json:"version,omitempty"`
}

type PresenceMember struct {
	UserID   uint64 `json:"userId"`
	Username string `json:"username,omitempty"`
}

type ServerMessage struct {
	Type         string                 `json:"type"`
	DocType      string                 `json:"docType,omitempty"`
	DocID        string                 `json:"docId,omitempty"`
	UserID       uint64                 `json:"userId,omitempty"`
	Name         string                 `json:"name,omitempty"`
	Color        string                 `json:"color,omitempty"`
	Version      uint64                 `json:"version,omitempty"`
	Content      string                 `json:"content,omitempty"`
	Op           *ot.Operation          `json:"op,omitempty"`
	Ops          []ot.Operation         `json:"ops,omitempty"`
	Cursor       *ot.CursorPosition     `json:"cursor,omitempty"`
	Selection    *ot.SelectionRange     `json:"selection,omitempty"`
	Participants []collab.Participant   `json:"participants,omitempty"`
	Presence     []collab.PresenceEntry `json:"presence,omitempty"`
	Members      []PresenceMember       `json:"members,omitempty"`
	Code         string                 `json:"code,omitempty"`
	Message      string                 `json:"message,omitempty"`
}

func errorMessage(err error) ServerMessage {
	code := "INTERNAL"
	switch {
	case errors.Is(err, collab.ErrNotFound):
		code = "NOT_FOUND"
	case errors.Is(err, collab.ErrForbidden):
		code = "FORBIDDEN"
	case errors.Is(err, collab.ErrInvalidOperation):
		code = "INVALID_OPERATION"
	}
	return ServerMessage{Type: "error", Code: code, Message: err.Error()}
}
