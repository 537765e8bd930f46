package collab

import (
	"sync"
	"time"

	"educollab/backend/internal/ot"
)

type EventType string

const (
	EventJoin      EventType = "join"
	EventLeave     EventType = "leave"
	EventOperation EventType = "operation"
	EventCursor    EventType = "cursor"
	EventSelection EventType = "selection"
)

type Event struct {
	Type      EventType          `json:"type"`
	DocType   string             `json:"docType"`
	DocID     string             `json:"docId"`
	UserID    uint64             `json:"userId"`
	Name      string             `json:"name,omitempty"`
	Color     string             `json:"color,omitempty"`
	Version   uint64             `json:"version,omitempty"`
	Operation *ot.Operation      `json:"operation,omitempty"`
	Cursor    *ot.CursorPosition `json:"cursor,omitempty"`
	Selection *ot.SelectionRange `json:"selection,omitempty"`
	At        time.Time          `json:"at"`
}

// 订阅者缓冲大小。写满即丢（at-most-once），慢消费者不能拖住提交路径。
const subscriberBuffer = 32

type subscriber struct {
	ch     chan Event
	userID uint64 // 0 表示匿名订阅，接收全部事件
}

// Bus 按会话分主题的扇出。topic 在首个订阅时出现，CloseTopic（会话
// 被驱逐）或最后一个订阅者退出时消失。
type Bus struct {
	mu     sync.RWMutex
	topics map[string]map[*subscriber]struct{}
}

func NewBus() *Bus {
	return &Bus{topics: make(map[string]map[*subscriber]struct{})}
}

// Subscribe 匿名订阅。会话从未存在时，流只是不产出任何事件。
func (b *Bus) Subscribe(key SessionKey) (<-chan Event, func()) {
	return b.SubscribeAs(key, 0)
}

// SubscribeAs 以参与者身份订阅；发布方可按 userID 排除作者自身回声。
// 返回的取消函数幂等，断开连接时必须调用，否则订阅者泄漏。
func (b *Bus) SubscribeAs(key SessionKey, userID uint64) (<-chan Event, func()) {
	sub := &subscriber{ch: make(chan Event, subscriberBuffer), userID: userID}
	topic := key.String()

	b.mu.Lock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*subscriber]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs, ok := b.topics[topic]
		if !ok {
			return // CloseTopic 已经处理过
		}
		if _, ok := subs[sub]; !ok {
			return
		}
		delete(subs, sub)
		close(sub.ch)
		if len(subs) == 0 {
			delete(b.topics, topic)
		}
	}
	return sub.ch, cancel
}

func (b *Bus) Publish(key SessionKey, ev Event) {
	b.PublishExcept(key, 0, ev)
}

// PublishExcept 向主题内除 exclude 外的订阅者投递。单次调用内
// 各订阅者看到的顺序与发布顺序一致；跨会话无顺序保证。
func (b *Bus) PublishExcept(key SessionKey, exclude uint64, ev Event) {
	b.mu.RLock()
	subs := b.topics[key.String()]
	for sub := range subs {
		if exclude != 0 && sub.userID == exclude {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			// 缓冲满，丢弃；落后的客户端靠 requestSync 追平
		}
	}
	b.mu.RUnlock()
}

// CloseTopic 会话驱逐时关闭全部订阅流。
func (b *Bus) CloseTopic(key SessionKey) {
	b.mu.Lock()
	defer b.mu.Unlock()
	topic := key.String()
	for sub := range b.topics[topic] {
		close(sub.ch)
	}
	delete(b.topics, topic)
}
