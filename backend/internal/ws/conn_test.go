package ws

import (
	"context"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"educollab/backend/internal/cache"
	"educollab/backend/internal/collab"
	"educollab/backend/internal/ot"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

type fakeGateway struct{ contents map[string]string }

func (g *fakeGateway) Load(ctx context.Context, docType, docID string) (string, error) {
	content, ok := g.contents[docType+":"+docID]
	if !ok {
		return "", collab.ErrNotFound
	}
	return content, nil
}

func (g *fakeGateway) Save(ctx context.Context, docType, docID, content string) error {
	g.contents[docType+":"+docID] = content
	return nil
}

type allowAll struct{}

func (allowAll) CanAccess(ctx context.Context, userID uint64, docType, docID string) (bool, error) {
	return true, nil
}

type numberedIdentity struct{}

func (numberedIdentity) DisplayName(ctx context.Context, userID uint64) (string, error) {
	return "user" + strconv.FormatUint(userID, 10), nil
}

type stubPresence struct{}

func (stubPresence) Heartbeat(ctx context.Context, session string, userID uint64, username string, ttl time.Duration) error {
	return nil
}
func (stubPresence) AliveMembers(ctx context.Context, session string) ([]cache.Member, error) {
	return nil, nil
}
func (stubPresence) Rooms(ctx context.Context) ([]string, error) { return nil, nil }
func (stubPresence) SetCursor(ctx context.Context, session string, userID uint64, jsonData []byte, ttl time.Duration) error {
	return nil
}
func (stubPresence) GetCursor(ctx context.Context, session string, userID uint64) ([]byte, error) {
	return nil, nil
}

func newTestServer(t *testing.T, reg *collab.Registry) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	m := NewManager(reg, stubPresence{}, collab.NewSemaphore(4))
	r := gin.New()
	r.GET("/ws", func(c *gin.Context) {
		uid, _ := strconv.ParseUint(c.Query("uid"), 10, 64)
		c.Set("userId", uid)
		c.Set("username", "user"+c.Query("uid"))
		m.WebSocketConnect(c)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, uid uint64) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?uid=" + strconv.FormatUint(uid, 10)
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial error: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil 丢弃无关消息（welcome、peer_joined 等），直到读到目标类型
func readUntil(t *testing.T, conn *websocket.Conn, msgType string) ServerMessage {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var msg ServerMessage
		if err := conn.ReadJSON(&msg); err != nil {
			t.Fatalf("waiting for %q: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
}

func sendJoin(t *testing.T, conn *websocket.Conn, docType, docID string) {
	t.Helper()
	if err := conn.WriteJSON(ClientMessage{Type: "join", DocType: docType, DocID: docID}); err != nil {
		t.Fatalf("write join: %v", err)
	}
}

func TestConn_RejoinAfterEvictionResubscribes(t *testing.T) {
	g := &fakeGateway{contents: map[string]string{"lesson_plan:L1": "Hello"}}
	reg := collab.NewRegistry(g, allowAll{}, numberedIdentity{}, collab.NewBus(), nil, nil,
		collab.Config{StaleAfter: time.Millisecond})
	srv := newTestServer(t, reg)
	key := collab.SessionKey{DocType: "lesson_plan", DocID: "L1"}

	alice := dial(t, srv, 1)
	sendJoin(t, alice, "lesson_plan", "L1")
	readUntil(t, alice, "joined")

	// 客户端仍连着，会话却因闲置被 reaper 驱逐（订阅流被关闭）
	time.Sleep(20 * time.Millisecond)
	collab.NewReaper(reg).Sweep()
	if _, err := reg.GetState(key); !errors.Is(err, collab.ErrNotFound) {
		t.Fatalf("session not evicted: %v", err)
	}

	// 重新 join 要拿到新的订阅流，否则收不到后续广播
	sendJoin(t, alice, "lesson_plan", "L1")
	readUntil(t, alice, "joined")

	bob := dial(t, srv, 2)
	sendJoin(t, bob, "lesson_plan", "L1")
	readUntil(t, bob, "joined")

	op := ot.Operation{Kind: ot.KindInsert, Position: 5, Content: " world", Version: 1}
	if err := bob.WriteJSON(ClientMessage{Type: "op_submit", Op: &op}); err != nil {
		t.Fatalf("write op_submit: %v", err)
	}
	readUntil(t, bob, "op_applied")

	got := readUntil(t, alice, "op_broadcast")
	if got.Op == nil || got.Op.Content != " world" || got.Version != 1 {
		t.Fatalf("broadcast = %+v", got)
	}
}
