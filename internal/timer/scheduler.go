package timer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Scheduler 延迟定时器调度器
// 通话协商超时、离线兜底通知等秒级延迟任务统一走这里
type Scheduler struct {
	wheel      *TimeWheel  // 时间轮
	workerPool *WorkerPool // 工作协程池
	ctx        context.Context
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
	running    bool
	runningMu  sync.RWMutex
}

// NewScheduler 创建调度器
func NewScheduler(workerCount int) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		wheel:      NewTimeWheel(),
		workerPool: NewWorkerPool(workerCount),
		ctx:        ctx,
		cancel:     cancel,
		logger:     slog.Default(),
		running:    false,
	}
}

// Start 启动调度器
func (s *Scheduler) Start() error {
	s.runningMu.Lock()
	if s.running {
		s.runningMu.Unlock()
		return fmt.Errorf("调度器已经在运行中")
	}
	s.running = true
	s.runningMu.Unlock()

	// 启动工作协程池
	s.workerPool.Start()

	// 启动时钟协程
	s.wg.Add(1)
	go s.tickLoop()

	s.logger.Info("定时器调度器已启动")

	return nil
}

// tickLoop 时钟循环协程
func (s *Scheduler) tickLoop() {
	defer s.wg.Done()

	ticker := s.wheel.GetTicker()

	for {
		select {
		case <-s.ctx.Done():
			s.logger.Info("时钟协程退出")
			return

		case <-ticker.C:
			s.onTick()
		}
	}
}

// onTick 时钟触发处理
func (s *Scheduler) onTick() {
	// 推进时间轮,获取当前槽位的所有到期定时器
	expired := s.wheel.Tick()

	if len(expired) == 0 {
		return
	}

	s.logger.Debug("时钟触发",
		"currentSlot", s.wheel.GetCurrentSlot(),
		"expiredCount", len(expired))

	// 批量提交到工作池
	s.workerPool.SubmitBatch(expired)
}

// Stop 停止调度器
func (s *Scheduler) Stop() {
	s.runningMu.Lock()
	if !s.running {
		s.runningMu.Unlock()
		return
	}
	s.running = false
	s.runningMu.Unlock()

	// 发送取消信号
	s.cancel()

	// 等待时钟协程退出
	s.wg.Wait()

	// 停止时间轮
	s.wheel.Stop()

	// 停止工作协程池
	s.workerPool.Stop()

	s.logger.Info("定时器调度器已停止")
}

// Add 添加定时器
func (s *Scheduler) Add(t *Timer) error {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	if !s.running {
		return fmt.Errorf("调度器未运行")
	}

	if t == nil {
		return fmt.Errorf("定时器不能为空")
	}

	if t.ID == "" {
		return fmt.Errorf("定时器ID不能为空")
	}

	s.logger.Debug("添加定时器",
		"timerID", t.ID,
		"key", t.Key,
		"delay", t.Delay)

	return s.wheel.Add(t)
}

// Remove 取消定时器，已触发或不存在时返回 false
func (s *Scheduler) Remove(timerID string) bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	if !s.running || timerID == "" {
		return false
	}

	return s.wheel.Remove(timerID)
}

// IsRunning 检查调度器是否运行中
func (s *Scheduler) IsRunning() bool {
	s.runningMu.RLock()
	defer s.runningMu.RUnlock()

	return s.running
}

// GetStats 获取调度器统计信息
func (s *Scheduler) GetStats() map[string]any {
	return map[string]any{
		"running":         s.IsRunning(),
		"currentSlot":     s.wheel.GetCurrentSlot(),
		"totalTimerCount": s.wheel.GetTotalTimerCount(),
		"workerCount":     s.workerPool.workerCount,
	}
}
