package ws

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"educollab/backend/internal/cache"
	"educollab/backend/internal/collab"

	"github.com/gorilla/websocket"
)

const (
	sendBuffer   = 32
	heartbeatTTL = 600 * time.Second
	cursorTTL    = 120 * time.Second
	submitWait   = 200 * time.Millisecond
)

type Conn struct {
	ws       *websocket.Conn
	reg      *collab.Registry
	presence cache.PresenceCache
	sem      *collab.Semaphore
	userID   uint64
	username string

	key    collab.SessionKey
	joined bool
	unsub  func()

	send chan ServerMessage
	done chan struct{}
}

func NewConn(ws *websocket.Conn, reg *collab.Registry, presence cache.PresenceCache, sem *collab.Semaphore, userID uint64, username string) *Conn {
	return &Conn{
		ws:       ws,
		reg:      reg,
		presence: presence,
		sem:      sem,
		userID:   userID,
		username: username,
		send:     make(chan ServerMessage, sendBuffer),
		done:     make(chan struct{}),
	}
}

// enqueue 非阻塞投递：连接已关闭或队列写满时丢弃。
func (c *Conn) enqueue(msg ServerMessage) {
	select {
	case <-c.done:
	case c.send <- msg:
	default:
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer c.teardown()
	for {
		var msg ClientMessage
		if err := c.ws.ReadJSON(&msg); err != nil {
			log.Printf("ws read error (user=%d, session=%s): %v", c.userID, c.key, err)
			return
		}
		switch msg.Type {
		case "join":
			c.handleJoin(ctx, msg)
		case "leave":
			c.handleLeave()
		case "op_submit":
			c.handleOpSubmit(ctx, msg)
		case "cursor":
			c.handleCursor(ctx, msg)
		case "selection":
			c.handleSelection(msg)
		case "sync_request":
			c.handleSyncRequest(msg)
		case "heartbeat":
			c.handleHeartbeat(ctx)
		default:
			c.enqueue(ServerMessage{Type: "ignored", Message: "unknown message type: " + msg.Type})
		}
	}
}

func (c *Conn) handleJoin(ctx context.Context, msg ClientMessage) {
	key := collab.SessionKey{DocType: msg.DocType, DocID: msg.DocID}
	if key.DocType == "" || key.DocID == "" {
		c.enqueue(ServerMessage{Type: "error", Code: "BAD_REQUEST", Message: "join requires docType and docId"})
		return
	}
	// 动态切换房间：先退出旧会话
	if c.joined && c.key != key {
		c.handleLeave()
	}

	snap, part, err := c.reg.Join(ctx, key.DocType, key.DocID, c.userID)
	if err != nil {
		c.enqueue(errorMessage(err))
		return
	}
	// 上次订阅的主题可能已随会话驱逐被关闭（旧 pump 退出），
	// 每次 join 都退掉旧流、重新订阅
	if c.unsub != nil {
		c.unsub()
	}
	events, cancel := c.reg.Bus().SubscribeAs(key, c.userID)
	c.key = key
	c.joined = true
	c.unsub = cancel
	go c.pump(events)

	_ = c.presence.Heartbeat(ctx, key.String(), c.userID, c.username, heartbeatTTL)
	c.enqueue(ServerMessage{
		Type:         "joined",
		DocType:      key.DocType,
		DocID:        key.DocID,
		UserID:       part.UserID,
		Name:         part.Name,
		Color:        part.Color,
		Version:      snap.Version,
		Content:      snap.Content,
		Participants: snap.Participants,
	})
}

func (c *Conn) handleLeave() {
	if !c.joined {
		return
	}
	c.reg.Leave(c.key, c.userID)
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	c.joined = false
	c.enqueue(ServerMessage{Type: "left", DocType: c.key.DocType, DocID: c.key.DocID})
	c.key = collab.SessionKey{}
}

func (c *Conn) handleOpSubmit(ctx context.Context, msg ClientMessage) {
	if !c.joined || msg.Op == nil {
		c.enqueue(ServerMessage{Type: "error", Code: "BAD_REQUEST", Message: "op_submit requires a prior join and an op"})
		return
	}
	submitCtx, cancel := context.WithTimeout(ctx, submitWait)
	defer cancel()
	if err := c.sem.Acquire(submitCtx); err != nil {
		c.enqueue(ServerMessage{Type: "error", Code: "BUSY", Message: "server busy, retry"})
		return
	}
	defer c.sem.Release()

	applied, _, version, err := c.reg.ApplyOperation(submitCtx, c.key, c.userID, *msg.Op)
	if err != nil {
		c.enqueue(errorMessage(err))
		return
	}
	// 提交方收 ack；其他订阅者由总线收 op_broadcast
	c.enqueue(ServerMessage{
		Type:    "op_applied",
		DocType: c.key.DocType,
		DocID:   c.key.DocID,
		Version: version,
		Op:      &applied,
	})
}

func (c *Conn) handleCursor(ctx context.Context, msg ClientMessage) {
	if !c.joined || msg.Cursor == nil {
		return
	}
	c.reg.UpdateCursor(c.key, c.userID, *msg.Cursor)
	if data, err := json.Marshal(msg.Cursor); err == nil {
		_ = c.presence.SetCursor(ctx, c.key.String(), c.userID, data, cursorTTL)
	}
}

func (c *Conn) handleSelection(msg ClientMessage) {
	if !c.joined {
		return
	}
	// selection 为 null 时表示清除选区
	c.reg.UpdateSelection(c.key, c.userID, msg.Selection)
}

func (c *Conn) handleSyncRequest(msg ClientMessage) {
	if !c.joined {
		c.enqueue(ServerMessage{Type: "error", Code: "BAD_REQUEST", Message: "sync_request requires a prior join"})
		return
	}
	missed, content, version, err := c.reg.RequestSync(c.key, c.userID, msg.Version)
	if err != nil {
		c.enqueue(errorMessage(err))
		return
	}
	c.enqueue(ServerMessage{
		Type:    "sync_state",
		DocType: c.key.DocType,
		DocID:   c.key.DocID,
		Version: version,
		Content: content,
		Ops:     missed,
	})
}

func (c *Conn) handleHeartbeat(ctx context.Context) {
	if c.joined {
		if err := c.presence.Heartbeat(ctx, c.key.String(), c.userID, c.username, heartbeatTTL); err != nil {
			log.Printf("presence heartbeat error (user=%d, session=%s): %v", c.userID, c.key, err)
		}
		members, err := c.presence.AliveMembers(ctx, c.key.String())
		if err != nil {
			log.Printf("alive members error (session=%s): %v", c.key, err)
		}
		alive := make([]PresenceMember, len(members))
		for i, m := range members {
			alive[i] = PresenceMember{UserID: m.UserID, Username: m.Username}
		}
		c.enqueue(ServerMessage{
			Type:    "presence",
			DocType: c.key.DocType,
			DocID:   c.key.DocID,
			Members: alive,
		})
	}
	c.enqueue(ServerMessage{Type: "feedback", Message: "heartbeat received"})
}

// pump 把总线事件翻译成出站消息。总线通道随订阅取消或会话驱逐关闭。
func (c *Conn) pump(events <-chan collab.Event) {
	for ev := range events {
		switch ev.Type {
		case collab.EventOperation:
			c.enqueue(ServerMessage{
				Type:    "op_broadcast",
				DocType: ev.DocType,
				DocID:   ev.DocID,
				UserID:  ev.UserID,
				Version: ev.Version,
				Op:      ev.Operation,
			})
		case collab.EventJoin:
			c.enqueue(ServerMessage{Type: "peer_joined", DocType: ev.DocType, DocID: ev.DocID, UserID: ev.UserID, Name: ev.Name, Color: ev.Color})
		case collab.EventLeave:
			c.enqueue(ServerMessage{Type: "peer_left", DocType: ev.DocType, DocID: ev.DocID, UserID: ev.UserID, Name: ev.Name})
		case collab.EventCursor:
			c.enqueue(ServerMessage{Type: "cursor", DocType: ev.DocType, DocID: ev.DocID, UserID: ev.UserID, Cursor: ev.Cursor})
		case collab.EventSelection:
			c.enqueue(ServerMessage{Type: "selection", DocType: ev.DocType, DocID: ev.DocID, UserID: ev.UserID, Selection: ev.Selection})
		}
	}
}

func (c *Conn) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				return
			}
		}
	}
}

func (c *Conn) teardown() {
	if c.joined {
		c.reg.Leave(c.key, c.userID)
		c.joined = false
	}
	if c.unsub != nil {
		c.unsub()
		c.unsub = nil
	}
	close(c.done)
}
