package timer

import (
	"context"
	"log/slog"
	"sync"
)

// WorkerPool 工作协程池
type WorkerPool struct {
	workerCount int         // 工作协程数量
	timerChan   chan *Timer // 到期定时器通道
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	logger      *slog.Logger
}

// NewWorkerPool 创建工作协程池
func NewWorkerPool(workerCount int) *WorkerPool {
	if workerCount <= 0 {
		workerCount = 10 // 默认10个工作协程
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &WorkerPool{
		workerCount: workerCount,
		timerChan:   make(chan *Timer, workerCount*2), // buffered channel
		ctx:         ctx,
		cancel:      cancel,
		logger:      slog.Default(),
	}
}

// Start 启动工作协程池
func (wp *WorkerPool) Start() {
	for i := 0; i < wp.workerCount; i++ {
		wp.wg.Add(1)
		go wp.worker(i)
	}

	wp.logger.Info("工作协程池已启动", "workerCount", wp.workerCount)
}

// worker 工作协程
func (wp *WorkerPool) worker(id int) {
	defer wp.wg.Done()

	for {
		select {
		case <-wp.ctx.Done():
			wp.logger.Debug("工作协程退出", "workerID", id)
			return

		case t := <-wp.timerChan:
			if t == nil {
				continue
			}

			wp.fire(id, t)
		}
	}
}

// fire 执行到期回调
func (wp *WorkerPool) fire(workerID int, t *Timer) {
	defer func() {
		if r := recover(); r != nil {
			wp.logger.Error("定时器回调 panic",
				"workerID", workerID,
				"timerID", t.ID,
				"key", t.Key,
				"panic", r)
		}
	}()

	if err := t.Fire(wp.ctx); err != nil {
		wp.logger.Error("定时器回调执行失败",
			"workerID", workerID,
			"timerID", t.ID,
			"key", t.Key,
			"error", err)
	}
}

// Submit 提交到期定时器
func (wp *WorkerPool) Submit(t *Timer) {
	select {
	case wp.timerChan <- t:
		// 已提交
	case <-wp.ctx.Done():
		wp.logger.Warn("工作池已关闭,定时器提交失败", "timerID", t.ID)
	default:
		// 通道已满,阻塞等待
		wp.logger.Warn("定时器通道已满,回调可能延迟执行", "timerID", t.ID)
		select {
		case wp.timerChan <- t:
		case <-wp.ctx.Done():
		}
	}
}

// SubmitBatch 批量提交
func (wp *WorkerPool) SubmitBatch(timers []*Timer) {
	for _, t := range timers {
		wp.Submit(t)
	}
}

// Stop 停止工作协程池
func (wp *WorkerPool) Stop() {
	wp.cancel()
	wp.wg.Wait()
	close(wp.timerChan)

	wp.logger.Info("工作协程池已停止")
}
