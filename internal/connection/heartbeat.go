package connection

import (
	"context"
	"log/slog"
	"time"
)

// HeartbeatChecker 周期清扫心跳停跳的连接
// 停跳按传输断开处理:先走 onTimeout 回调 (注销在线位置、给通话对端补发挂断),
// 再关闭连接并移出注册表。客户端每次来帧都会刷新活跃时间,正常连接不会被扫到
type HeartbeatChecker struct {
	manager   *Manager
	timeout   time.Duration
	interval  time.Duration
	logger    *slog.Logger
	onTimeout func(conn *Connection)
}

// NewHeartbeatChecker 创建心跳清扫器,timeout/interval 不合法时取默认 90s/30s
func NewHeartbeatChecker(manager *Manager, timeout, interval time.Duration, logger *slog.Logger, onTimeout func(conn *Connection)) *HeartbeatChecker {
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &HeartbeatChecker{
		manager:   manager,
		timeout:   timeout,
		interval:  interval,
		logger:    logger,
		onTimeout: onTimeout,
	}
}

// Start 启动清扫循环,阻塞直到 ctx 取消,应在 goroutine 中调用
func (h *HeartbeatChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("Heartbeat checker started",
		"timeout", h.timeout,
		"interval", h.interval)

	for {
		select {
		case <-ctx.Done():
			h.logger.Info("Heartbeat checker stopped")
			return
		case now := <-ticker.C:
			if n := h.sweep(now); n > 0 {
				h.logger.Info("Idle connections reaped",
					"reaped", n,
					"remaining", h.manager.Count())
			}
		}
	}
}

// sweep 清扫一轮,返回被回收的连接数
func (h *HeartbeatChecker) sweep(now time.Time) int {
	idle := h.manager.IdleSince(now.Add(-h.timeout))
	for _, conn := range idle {
		h.logger.Debug("Connection heartbeat timeout",
			"connId", conn.ID(),
			"userId", conn.UserID(),
			"lastActive", conn.LastActiveTime())

		if h.onTimeout != nil {
			h.onTimeout(conn)
		}
		conn.Close()
		h.manager.Remove(conn.ID())
	}
	return len(idle)
}
