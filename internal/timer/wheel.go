package timer

import (
	"sync"
	"time"
)

const (
	// SlotCount 时间轮槽位数量 (60秒)
	SlotCount = 60
)

// TimeWheel 秒级时间轮
// 通话协商超时这类定时器会被频繁取消（对端及时应答），
// 因此额外维护 timerID -> 槽位索引，取消时不依赖剩余延迟
type TimeWheel struct {
	slots       [SlotCount]*Slot // 60个槽位
	currentSlot int              // 当前槽位索引
	slotIndex   map[string]int   // timerID -> 槽位索引
	mu          sync.RWMutex     // 保护 currentSlot 和 slotIndex
	ticker      *time.Ticker     // 1秒定时器
}

// NewTimeWheel 创建时间轮
func NewTimeWheel() *TimeWheel {
	tw := &TimeWheel{
		currentSlot: 0,
		slotIndex:   make(map[string]int),
		ticker:      time.NewTicker(time.Second),
	}

	// 初始化所有槽位
	for i := 0; i < SlotCount; i++ {
		tw.slots[i] = NewSlot()
	}

	return tw
}

// Add 添加定时器到时间轮
func (tw *TimeWheel) Add(t *Timer) error {
	if t.Delay < 1 || t.Delay > SlotCount {
		t.Delay = 1 // 默认1秒
	}

	tw.mu.Lock()
	targetSlot := (tw.currentSlot + t.Delay) % SlotCount
	tw.slotIndex[t.ID] = targetSlot
	tw.mu.Unlock()

	tw.slots[targetSlot].Add(t)

	return nil
}

// Remove 从时间轮删除定时器
func (tw *TimeWheel) Remove(timerID string) bool {
	tw.mu.Lock()
	targetSlot, ok := tw.slotIndex[timerID]
	if ok {
		delete(tw.slotIndex, timerID)
	}
	tw.mu.Unlock()

	if !ok {
		return false
	}
	return tw.slots[targetSlot].Remove(timerID)
}

// Tick 推进时间轮 (由调度器调用)
func (tw *TimeWheel) Tick() []*Timer {
	// 推进到下一个槽位
	tw.mu.Lock()
	tw.currentSlot = (tw.currentSlot + 1) % SlotCount
	currentSlot := tw.currentSlot
	tw.mu.Unlock()

	// 获取当前槽位的所有定时器并清空
	expired := tw.slots[currentSlot].DrainExpired()
	if len(expired) > 0 {
		tw.mu.Lock()
		for _, t := range expired {
			delete(tw.slotIndex, t.ID)
		}
		tw.mu.Unlock()
	}
	return expired
}

// GetCurrentSlot 获取当前槽位索引
func (tw *TimeWheel) GetCurrentSlot() int {
	tw.mu.RLock()
	defer tw.mu.RUnlock()

	return tw.currentSlot
}

// Stop 停止时间轮
func (tw *TimeWheel) Stop() {
	tw.ticker.Stop()
}

// GetTicker 获取定时器
func (tw *TimeWheel) GetTicker() *time.Ticker {
	return tw.ticker
}

// GetTotalTimerCount 获取所有槽位的定时器总数
func (tw *TimeWheel) GetTotalTimerCount() int {
	total := 0
	for i := 0; i < SlotCount; i++ {
		total += tw.slots[i].Count()
	}
	return total
}
