package cache

import "fmt"

// 键语义：
// - roomKey(session):   房间在线成员（ZSet<userId, expireAtUnix>，score=expireAt）
// - namesKey(session):  房间内 userId→username 映射（Hash）
// - cursorKey(...):     成员最后上报的光标（String，带 TTL）
// session 即 "docType:docId"

const (
	keyRoomFmt   = "presence:room:{%s}"
	keyNamesFmt  = "presence:room:names:{%s}"
	keyCursorFmt = "presence:cursor:{%s}:%d"
)

func roomKey(session string) string  { return fmt.Sprintf(keyRoomFmt, session) }
func namesKey(session string) string { return fmt.Sprintf(keyNamesFmt, session) }
func cursorKey(session string, userID uint64) string {
	return fmt.Sprintf(keyCursorFmt, session, userID)
}
