package handlers

import (
	"errors"
	"net/http"

	"educollab/backend/internal/cache"
	"educollab/backend/internal/collab"

	"github.com/gin-gonic/gin"
)

// Collab 协作只读接口：实时流量走 WebSocket，这里给调试和
// 页面初始加载用。
type Collab struct {
	reg      *collab.Registry
	presence cache.PresenceCache
}

func NewCollab(reg *collab.Registry, presence cache.PresenceCache) *Collab {
	return &Collab{reg: reg, presence: presence}
}

func sessionKey(c *gin.Context) collab.SessionKey {
	return collab.SessionKey{DocType: c.Param("docType"), DocID: c.Param("docId")}
}

func (h *Collab) GetState(c *gin.Context) {
	snap, err := h.reg.GetState(sessionKey(c))
	if err != nil {
		if errors.Is(err, collab.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "no active session"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, snap)
}

func (h *Collab) GetPresence(c *gin.Context) {
	key := sessionKey(c)
	c.JSON(http.StatusOK, gin.H{
		"docType":  key.DocType,
		"docId":    key.DocID,
		"presence": h.reg.GetPresence(key),
	})
}

// GetRooms 列出 Redis 中仍有心跳成员的会话房间。
func (h *Collab) GetRooms(c *gin.Context) {
	rooms, err := h.presence.Rooms(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"rooms": rooms})
}

// GetMySessions 当前用户参与中的全部会话。
func (h *Collab) GetMySessions(c *gin.Context) {
	userID := c.GetUint64("userId")
	keys := h.reg.UserSessions(userID)
	if keys == nil {
		keys = []collab.SessionKey{}
	}
	c.JSON(http.StatusOK, gin.H{"userId": userID, "sessions": keys})
}
