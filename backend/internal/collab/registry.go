package collab

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"educollab/backend/internal/ot"
)

// 周边 CRUD 平台以接口形式被消费，实现在 store 包
type DocumentGateway interface {
	Load(ctx context.Context, docType, docID string) (string, error)
	Save(ctx context.Context, docType, docID, content string) error
}

type AccessVerifier interface {
	CanAccess(ctx context.Context, userID uint64, docType, docID string) (bool, error)
}

type Identity interface {
	DisplayName(ctx context.Context, userID uint64) (string, error)
}

// 快照存储接口（每 N 次提交的持久化检查点）
type SnapshotStore interface {
	SaveDocumentSnapshot(ctx context.Context, docType, docID string, version uint64, content string) error
}

// 已提交操作的外部事件接收方（Kafka dispatcher 实现）
type OpSink interface {
	Enqueue(ctx context.Context, evt DocOpEvent) error
}

type Config struct {
	GracePeriod   time.Duration // 最后一人离开后会话保温窗口
	ReapInterval  time.Duration
	StaleAfter    time.Duration // 超过此闲置时长由 reaper 强制关闭
	AutosaveEvery int           // 每 N 次提交做一次持久化检查点
	PersistWait   time.Duration // 锁外持久化调用的超时
}

func (c Config) withDefaults() Config {
	if c.GracePeriod <= 0 {
		c.GracePeriod = 30 * time.Second
	}
	if c.ReapInterval <= 0 {
		c.ReapInterval = 5 * time.Minute
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = 30 * time.Minute
	}
	if c.AutosaveEvery <= 0 {
		c.AutosaveEvery = 10
	}
	if c.PersistWait <= 0 {
		c.PersistWait = 5 * time.Second
	}
	return c
}

// Registry 活动协作会话的权威表。registry 级锁只保护会话表和
// user→sessions 反向索引；会话内容各自有锁，互不相干的会话不会
// 串行到一起。
type Registry struct {
	mu        sync.RWMutex
	sessions  map[string]*Session
	userIndex map[uint64]map[SessionKey]struct{}

	gateway   DocumentGateway
	verifier  AccessVerifier
	identity  Identity
	snapshots SnapshotStore // 可为 nil
	sink      OpSink        // 可为 nil
	bus       *Bus

	cfg   Config
	loads singleflight.Group // 并发首次 join 只触发一次初始内容加载
}

func NewRegistry(gateway DocumentGateway, verifier AccessVerifier, identity Identity,
	bus *Bus, snapshots SnapshotStore, sink OpSink, cfg Config) *Registry {
	return &Registry{
		sessions:  make(map[string]*Session),
		userIndex: make(map[uint64]map[SessionKey]struct{}),
		gateway:   gateway,
		verifier:  verifier,
		identity:  identity,
		snapshots: snapshots,
		sink:      sink,
		bus:       bus,
		cfg:       cfg.withDefaults(),
	}
}

func (r *Registry) Bus() *Bus { return r.bus }

func (r *Registry) lookup(key SessionKey) *Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sessions[key.String()]
}

func (r *Registry) getOrCreate(ctx context.Context, key SessionKey) (*Session, error) {
	r.mu.RLock()
	s := r.sessions[key.String()]
	r.mu.RUnlock()
	if s != nil {
		return s, nil
	}

	v, err, _ := r.loads.Do(key.String(), func() (any, error) {
		r.mu.RLock()
		s := r.sessions[key.String()]
		r.mu.RUnlock()
		if s != nil {
			return s, nil
		}
		content, err := r.gateway.Load(ctx, key.DocType, key.DocID)
		if err != nil {
			return nil, err
		}
		s = newSession(key, content, time.Now())
		r.mu.Lock()
		// double-check：加载期间别人抢先注册则用现成的
		if exist := r.sessions[key.String()]; exist != nil {
			s = exist
		} else {
			r.sessions[key.String()] = s
		}
		r.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Join 校验访问权限后创建或复用会话。同一用户重复 join 幂等：
// 复用原参与者条目（颜色不变），不重复广播 join 事件。
func (r *Registry) Join(ctx context.Context, docType, docID string, userID uint64) (StateSnapshot, Participant, error) {
	ok, err := r.verifier.CanAccess(ctx, userID, docType, docID)
	if err != nil {
		return StateSnapshot{}, Participant{}, err
	}
	if !ok {
		return StateSnapshot{}, Participant{}, ErrForbidden
	}

	name, err := r.identity.DisplayName(ctx, userID)
	if err != nil || name == "" {
		name = fmt.Sprintf("user-%d", userID)
	}

	key := SessionKey{DocType: docType, DocID: docID}
	for {
		s, err := r.getOrCreate(ctx, key)
		if err != nil {
			return StateSnapshot{}, Participant{}, err
		}

		now := time.Now()
		s.mu.Lock()
		if s.evicted {
			// 宽限关闭/reaper 刚驱逐了这个实例，重新建
			s.mu.Unlock()
			continue
		}
		s.lastActivity = now

		if p := s.participants[userID]; p != nil {
			// 宽限窗口内重连：激活原条目即可
			p.Active = true
			p.LastSeen = now
			snap, part := s.snapshotLocked(), *p
			s.mu.Unlock()
			r.indexAdd(userID, key)
			return snap, part, nil
		}

		p := &Participant{
			UserID:   userID,
			Name:     name,
			Color:    s.nextColorLocked(),
			Active:   true,
			LastSeen: now,
		}
		s.participants[userID] = p
		snap, part := s.snapshotLocked(), *p
		s.mu.Unlock()

		r.indexAdd(userID, key)
		r.bus.PublishExcept(key, userID, Event{
			Type: EventJoin, DocType: docType, DocID: docID,
			UserID: userID, Name: part.Name, Color: part.Color, At: now,
		})
		return snap, part, nil
	}
}

// Leave 将参与者标记为不活跃并广播。未知会话/参与者静默忽略。
// 最后一个活跃者离开后，宽限期到点再查一次状态（check-then-act）：
// 窗口内有人 rejoin 则放弃关闭。
func (r *Registry) Leave(key SessionKey, userID uint64) {
	s := r.lookup(key)
	if s == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	p := s.participants[userID]
	if p == nil || !p.Active {
		s.mu.Unlock()
		return
	}
	p.Active = false
	p.LastSeen = now
	s.lastActivity = now
	name := p.Name
	lastOut := s.activeCountLocked() == 0
	s.mu.Unlock()

	r.indexRemove(userID, key)
	r.bus.PublishExcept(key, userID, Event{
		Type: EventLeave, DocType: key.DocType, DocID: key.DocID,
		UserID: userID, Name: name, At: now,
	})

	if lastOut {
		time.AfterFunc(r.cfg.GracePeriod, func() { r.closeIfIdle(key) })
	}
}

func (r *Registry) closeIfIdle(key SessionKey) {
	s := r.lookup(key)
	if s == nil {
		return // 另一次到期已经关掉了
	}
	s.mu.Lock()
	if s.activeCountLocked() > 0 {
		s.mu.Unlock()
		return
	}
	content, version := s.content, s.version
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistWait)
	defer cancel()
	if err := r.gateway.Save(ctx, key.DocType, key.DocID, content); err != nil {
		// 内存日志仍是权威，留给 reaper 下个周期重试
		log.Printf("grace close save failed doc=%s rev=%d err=%v", key, version, err)
		return
	}
	if r.evict(key, s, version) {
		log.Printf("session closed doc=%s rev=%d", key, version)
	}
}

// evict 在两级锁下复核后摘除会话。期间有人 join 则放弃；持久化
// 在锁外进行，期间又提交了新版本的话也放弃（存下去的是旧内容，
// 新操作只在内存里），由再次离开排的定时器或 reaper 带新内容重来。
func (r *Registry) evict(key SessionKey, s *Session, savedVersion uint64) bool {
	r.mu.Lock()
	s.mu.Lock()
	if s.activeCountLocked() > 0 || s.version != savedVersion {
		s.mu.Unlock()
		r.mu.Unlock()
		return false
	}
	s.evicted = true
	users := make([]uint64, 0, len(s.participants))
	for id := range s.participants {
		users = append(users, id)
	}
	s.mu.Unlock()
	if r.sessions[key.String()] == s {
		delete(r.sessions, key.String())
	}
	for _, id := range users {
		if set := r.userIndex[id]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(r.userIndex, id)
			}
		}
	}
	r.mu.Unlock()
	r.bus.CloseTopic(key)
	return true
}

// ApplyOperation 变换后提交操作：严格递增、无空洞的版本号，
// transform 只对照 proposed 基准版本那一层的并发提交。
func (r *Registry) ApplyOperation(ctx context.Context, key SessionKey, userID uint64, op ot.Operation) (ot.Operation, string, uint64, error) {
	s := r.lookup(key)
	if s == nil {
		return ot.Operation{}, "", 0, ErrNotFound
	}
	if err := op.Validate(); err != nil {
		return ot.Operation{}, "", 0, err
	}
	// 作者身份以服务端为准，客户端字段不可信
	op.UserID = userID

	now := time.Now()
	s.mu.Lock()
	p := s.participants[userID]
	if p == nil || !p.Active {
		s.mu.Unlock()
		return ot.Operation{}, "", 0, ErrForbidden
	}

	applied := ot.Transform(op, r.concurrentLocked(s, op))
	applied.ID = uuid.NewString()
	applied.UserID = userID
	applied.Timestamp = now
	applied.Version = s.version + 1

	s.content = ot.Apply(s.content, applied)
	s.operations = append(s.operations, applied)
	s.version++
	s.lastActivity = now
	p.LastSeen = now

	content, version := s.content, s.version
	checkpoint := version%uint64(r.cfg.AutosaveEvery) == 0
	s.mu.Unlock()

	r.bus.PublishExcept(key, userID, Event{
		Type: EventOperation, DocType: key.DocType, DocID: key.DocID,
		UserID: userID, Version: version, Operation: &applied, At: now,
	})
	if r.sink != nil {
		_ = r.sink.Enqueue(ctx, DocOpEvent{
			EventType:   "OP_APPLIED",
			DocType:     key.DocType,
			DocID:       key.DocID,
			OperationID: applied.ID,
			Version:     version,
			AuthorID:    userID,
			Op:          applied,
			AppliedAt:   now,
		})
	}
	if checkpoint {
		// 锁已释放，拿着拷贝去写库；更新的提交先落也没关系，
		// 保证的是 "version V 时的内容至少已持久化"
		go r.persist(key, version, content)
	}
	return applied, content, version, nil
}

// 与 proposed 同基准版本、已先行提交的其他作者操作。版本无空洞且
// 唯一，所以这一层最多一条；不回放更早的因果历史（已知限制）。
func (r *Registry) concurrentLocked(s *Session, op ot.Operation) []ot.Operation {
	if op.Version == 0 || op.Version > uint64(len(s.operations)) {
		return nil
	}
	var out []ot.Operation
	for _, existing := range s.operations[op.Version-1:] {
		if existing.Version == op.Version && existing.UserID != op.UserID {
			out = append(out, existing)
		}
	}
	return out
}

func (r *Registry) persist(key SessionKey, version uint64, content string) {
	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.PersistWait)
	defer cancel()
	if err := r.gateway.Save(ctx, key.DocType, key.DocID, content); err != nil {
		log.Printf("autosave failed doc=%s rev=%d err=%v", key, version, err)
		return
	}
	if r.snapshots != nil {
		if err := r.snapshots.SaveDocumentSnapshot(ctx, key.DocType, key.DocID, version, content); err != nil {
			log.Printf("snapshot checkpoint failed doc=%s rev=%d err=%v", key, version, err)
		}
	}
}

// UpdateCursor 覆盖写光标并广播给其他参与者（作者不收自己的回声）。
// 未知会话/参与者静默忽略。
func (r *Registry) UpdateCursor(key SessionKey, userID uint64, cursor ot.CursorPosition) {
	s := r.lookup(key)
	if s == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	p := s.participants[userID]
	if p == nil || !p.Active {
		s.mu.Unlock()
		return
	}
	c := cursor
	p.Cursor = &c
	p.LastSeen = now
	s.lastActivity = now
	s.mu.Unlock()

	r.bus.PublishExcept(key, userID, Event{
		Type: EventCursor, DocType: key.DocType, DocID: key.DocID,
		UserID: userID, Cursor: &c, At: now,
	})
}

// UpdateSelection 选区可为 nil（清除）。语义同 UpdateCursor。
func (r *Registry) UpdateSelection(key SessionKey, userID uint64, sel *ot.SelectionRange) {
	s := r.lookup(key)
	if s == nil {
		return
	}
	now := time.Now()
	s.mu.Lock()
	p := s.participants[userID]
	if p == nil || !p.Active {
		s.mu.Unlock()
		return
	}
	if sel != nil {
		v := *sel
		p.Selection = &v
	} else {
		p.Selection = nil
	}
	sent := p.Selection
	p.LastSeen = now
	s.lastActivity = now
	s.mu.Unlock()

	r.bus.PublishExcept(key, userID, Event{
		Type: EventSelection, DocType: key.DocType, DocID: key.DocID,
		UserID: userID, Selection: sent, At: now,
	})
}

// GetPresence 活跃参与者的在场信息；未知会话返回空列表
// （非 nil，JSON 序列化为 [] 而不是 null）。
func (r *Registry) GetPresence(key SessionKey) []PresenceEntry {
	s := r.lookup(key)
	if s == nil {
		return []PresenceEntry{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presenceLocked(time.Now())
}

// RequestSync 返回 version > clientVersion 的操作（按序）及当前
// 内容/版本，供掉线客户端追平。clientVersion 不小于当前版本时
// 操作列表为空。任何时刻调用都安全、幂等。
func (r *Registry) RequestSync(key SessionKey, userID uint64, clientVersion uint64) ([]ot.Operation, string, uint64, error) {
	s := r.lookup(key)
	if s == nil {
		return nil, "", 0, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var missed []ot.Operation
	if clientVersion < s.version {
		// 版本无空洞，直接按下标切
		missed = append(missed, s.operations[clientVersion:]...)
	}
	return missed, s.content, s.version, nil
}

// GetState 只读快照，重连时用。
func (r *Registry) GetState(key SessionKey) (StateSnapshot, error) {
	s := r.lookup(key)
	if s == nil {
		return StateSnapshot{}, ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// UserSessions 反向索引：该用户当前活跃参与的会话。
func (r *Registry) UserSessions(userID uint64) []SessionKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]SessionKey, 0, len(r.userIndex[userID]))
	for key := range r.userIndex[userID] {
		out = append(out, key)
	}
	return out
}

func (r *Registry) indexAdd(userID uint64, key SessionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userIndex[userID] == nil {
		r.userIndex[userID] = make(map[SessionKey]struct{})
	}
	r.userIndex[userID][key] = struct{}{}
}

func (r *Registry) indexRemove(userID uint64, key SessionKey) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set := r.userIndex[userID]; set != nil {
		delete(set, key)
		if len(set) == 0 {
			delete(r.userIndex, userID)
		}
	}
}

func (r *Registry) sessionList() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}
