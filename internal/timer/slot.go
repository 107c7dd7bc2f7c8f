package timer

import "sync"

// Slot 时间轮槽位
type Slot struct {
	mu     sync.Mutex        // 槽内互斥锁
	timers map[string]*Timer // 定时器映射 (key: timerID)
}

// NewSlot 创建新槽位
func NewSlot() *Slot {
	return &Slot{
		timers: make(map[string]*Timer),
	}
}

// Add 添加定时器到槽位
func (s *Slot) Add(t *Timer) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.timers[t.ID] = t
}

// Remove 从槽位删除定时器
func (s *Slot) Remove(timerID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.timers[timerID]; exists {
		delete(s.timers, timerID)
		return true
	}
	return false
}

// DrainExpired 获取所有定时器并清空槽位
func (s *Slot) DrainExpired() []*Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.timers) == 0 {
		return nil
	}

	timers := make([]*Timer, 0, len(s.timers))
	for _, t := range s.timers {
		timers = append(timers, t)
	}

	// 清空槽位
	s.timers = make(map[string]*Timer)

	return timers
}

// Count 获取槽位定时器数量
func (s *Slot) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.timers)
}
