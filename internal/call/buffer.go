package call

import (
	"sync"

	"sudooom.fans.relay/internal/model"
)

// DefaultBufferCap ICE 候选缓冲默认容量
const DefaultBufferCap = 50

// CandidateBuffer 有界 ICE 候选缓冲
// 候选可能在会话具备远端描述之前到达,先缓冲,满了丢最旧的,
// 防止行为异常的对端把缓冲撑爆
type CandidateBuffer struct {
	mu    sync.Mutex
	items []model.Candidate
	cap   int
}

// NewCandidateBuffer 创建候选缓冲,cap <= 0 时使用默认容量
func NewCandidateBuffer(capacity int) *CandidateBuffer {
	if capacity <= 0 {
		capacity = DefaultBufferCap
	}
	return &CandidateBuffer{
		items: make([]model.Candidate, 0, capacity),
		cap:   capacity,
	}
}

// Enqueue 追加候选,超出容量时丢弃最旧的一条
func (b *CandidateBuffer) Enqueue(c model.Candidate) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) >= b.cap {
		b.items = b.items[1:]
	}
	b.items = append(b.items, c)
}

// Drain 按到达顺序取出全部候选并清空缓冲
func (b *CandidateBuffer) Drain() []model.Candidate {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.items) == 0 {
		return nil
	}
	out := b.items
	b.items = make([]model.Candidate, 0, b.cap)
	return out
}

// Len 当前缓冲数量
func (b *CandidateBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.items)
}
