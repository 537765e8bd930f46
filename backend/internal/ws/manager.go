package ws

import (
	"log"
	"net/http"
	"strings"

	"educollab/backend/internal/cache"
	"educollab/backend/internal/collab"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// 允许本地开发环境来源；有些环境不发 Origin 或发 "null"
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

type Manager struct {
	reg      *collab.Registry
	presence cache.PresenceCache
	sem      *collab.Semaphore
}

func NewManager(reg *collab.Registry, presence cache.PresenceCache, sem *collab.Semaphore) *Manager {
	return &Manager{reg: reg, presence: presence, sem: sem}
}

// WebSocketConnect 升级连接并运行读写循环。身份来自鉴权中间件写入的
// 请求上下文；连接断开等价于 leave。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetUint64("userId")
	username := c.GetString("username")

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}
	defer conn.Close()

	wsConn := NewConn(conn, m.reg, m.presence, m.sem, userID, username)

	// 先起写循环，welcome 与后续入队消息才能被及时发出
	go wsConn.writeLoop()
	wsConn.enqueue(ServerMessage{Type: "welcome", Message: "connected"})

	// 阻塞至连接关闭
	wsConn.readLoop(c.Request.Context())
}
