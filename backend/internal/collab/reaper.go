package collab

import (
	"context"
	"log"
	"time"
)

// Reaper 定时清扫：闲置超过 StaleAfter 的会话强制下线全部参与者、
// 持久化内容并驱逐。兜底没发 leave 就掉线的客户端，与宽限期关闭
// 机制相互独立。
type Reaper struct {
	reg  *Registry
	stop chan struct{}
}

func NewReaper(reg *Registry) *Reaper {
	return &Reaper{reg: reg, stop: make(chan struct{})}
}

// Run 阻塞运行，通常 go reaper.Run()。
func (rp *Reaper) Run() {
	ticker := time.NewTicker(rp.reg.cfg.ReapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-rp.stop:
			return
		case <-ticker.C:
			rp.Sweep()
		}
	}
}

func (rp *Reaper) Stop() { close(rp.stop) }

func (rp *Reaper) Sweep() {
	cutoff := time.Now().Add(-rp.reg.cfg.StaleAfter)
	for _, s := range rp.reg.sessionList() {
		s.mu.Lock()
		if s.lastActivity.After(cutoff) {
			s.mu.Unlock()
			continue
		}
		for _, p := range s.participants {
			p.Active = false
		}
		key := s.Key
		content, version := s.content, s.version
		s.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), rp.reg.cfg.PersistWait)
		err := rp.reg.gateway.Save(ctx, key.DocType, key.DocID, content)
		cancel()
		if err != nil {
			// 会话留在表里，下个周期重试；内存操作日志不丢
			log.Printf("reaper save failed doc=%s rev=%d err=%v", key, version, err)
			continue
		}
		if rp.reg.evict(key, s, version) {
			log.Printf("reaper evicted stale session doc=%s rev=%d", key, version)
		}
	}
}
