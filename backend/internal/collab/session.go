package collab

import (
	"sync"
	"time"

	"educollab/backend/internal/ot"
)

// SessionKey 复合键 (documentType, documentId)
type SessionKey struct {
	DocType string `json:"docType"`
	DocID   string `json:"docId"`
}

func (k SessionKey) String() string { return k.DocType + ":" + k.DocID }

// 固定调色板，所有会话共享只读
var colorPalette = []string{
	"#E74C3C", "#3498DB", "#2ECC71", "#F39C12",
	"#9B59B6", "#1ABC9C", "#E67E22", "#34495E",
}

// typing 判定窗口：now - lastSeen < 2s
const typingWindow = 2 * time.Second

type Participant struct {
	UserID    uint64             `json:"userId"`
	Name      string             `json:"name"`
	Color     string             `json:"color"`
	Active    bool               `json:"isActive"`
	LastSeen  time.Time          `json:"lastSeen"`
	Cursor    *ot.CursorPosition `json:"cursor,omitempty"`
	Selection *ot.SelectionRange `json:"selection,omitempty"`
}

type PresenceEntry struct {
	UserID    uint64             `json:"userId"`
	Name      string             `json:"name"`
	Color     string             `json:"color"`
	Cursor    *ot.CursorPosition `json:"cursor,omitempty"`
	Selection *ot.SelectionRange `json:"selection,omitempty"`
	Typing    bool               `json:"isTyping"`
}

type StateSnapshot struct {
	DocType      string        `json:"docType"`
	DocID        string        `json:"docId"`
	Content      string        `json:"content"`
	Version      uint64        `json:"version"`
	Participants []Participant `json:"participants"`
}

// Session 单个文档的协作状态。不变式：content 等于初始内容依版本序
// 应用 operations 的结果；version == len(operations)。所有字段只能在
// mu 保护下读写；持久化调用一律在锁外进行。
type Session struct {
	Key SessionKey

	mu           sync.Mutex
	version      uint64
	content      string
	operations   []ot.Operation // append-only，operations[i].Version == i+1
	participants map[uint64]*Participant
	createdAt    time.Time
	lastActivity time.Time
	evicted      bool
}

func newSession(key SessionKey, content string, now time.Time) *Session {
	return &Session{
		Key:          key,
		content:      content,
		participants: make(map[uint64]*Participant),
		createdAt:    now,
		lastActivity: now,
	}
}

func (s *Session) activeCountLocked() int {
	n := 0
	for _, p := range s.participants {
		if p.Active {
			n++
		}
	}
	return n
}

// 离开的成员保留条目（颜色不回收），所以按全部持有者去重
func (s *Session) nextColorLocked() string {
	used := make(map[string]bool, len(s.participants))
	for _, p := range s.participants {
		used[p.Color] = true
	}
	for _, c := range colorPalette {
		if !used[c] {
			return c
		}
	}
	return colorPalette[len(s.participants)%len(colorPalette)]
}

func (s *Session) snapshotLocked() StateSnapshot {
	parts := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		parts = append(parts, *p)
	}
	return StateSnapshot{
		DocType:      s.Key.DocType,
		DocID:        s.Key.DocID,
		Content:      s.content,
		Version:      s.version,
		Participants: parts,
	}
}

func (s *Session) presenceLocked(now time.Time) []PresenceEntry {
	out := make([]PresenceEntry, 0, len(s.participants))
	for _, p := range s.participants {
		if !p.Active {
			continue
		}
		out = append(out, PresenceEntry{
			UserID:    p.UserID,
			Name:      p.Name,
			Color:     p.Color,
			Cursor:    p.Cursor,
			Selection: p.Selection,
			Typing:    now.Sub(p.LastSeen) < typingWindow,
		})
	}
	return out
}
