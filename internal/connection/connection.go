package connection

import (
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/webtransport-go"

	"sudooom.fans.relay/internal/notify"
)

var ErrConnectionClosed = errors.New("connection closed")

var connIDCounter int64

// Connection 表示一个客户端连接
// 每个连接自带一份通知状态 (未读/提醒),连接断开即消失
type Connection struct {
	id         int64
	userID     int64
	deviceID   string
	platform   string
	session    *webtransport.Session
	sessInfo   *SessionInfo
	notifier   *notify.Aggregator
	logger     *slog.Logger
	writeChan  chan []byte
	closeChan  chan struct{}
	closeOnce  sync.Once
	createTime time.Time
	lastActive atomic.Int64 // unix 纳秒
}

// SessionInfo 表示会话状态
type SessionInfo struct {
	UserID    int64
	DeviceID  string
	Platform  string
	LoginTime time.Time
}

func NewFromWebTransport(session *webtransport.Session, logger *slog.Logger) *Connection {
	id := atomic.AddInt64(&connIDCounter, 1)
	c := &Connection{
		id:         id,
		session:    session,
		notifier:   notify.NewAggregator(),
		logger:     logger,
		writeChan:  make(chan []byte, 256),
		closeChan:  make(chan struct{}),
		createTime: time.Now(),
	}
	c.lastActive.Store(time.Now().UnixNano())
	go c.writeLoop()
	return c
}

func (c *Connection) ID() int64 {
	return c.id
}

func (c *Connection) UserID() int64 {
	return c.userID
}

func (c *Connection) DeviceID() string {
	return c.deviceID
}

func (c *Connection) Platform() string {
	return c.platform
}

func (c *Connection) BindSession(sessInfo *SessionInfo) {
	sessInfo.LoginTime = time.Now()
	c.sessInfo = sessInfo
	c.userID = sessInfo.UserID
	c.deviceID = sessInfo.DeviceID
	c.platform = sessInfo.Platform
	c.UpdateActive()
}

func (c *Connection) SessionInfo() *SessionInfo {
	return c.sessInfo
}

// Notifier 本连接的未读/提醒状态
func (c *Connection) Notifier() *notify.Aggregator {
	return c.notifier
}

func (c *Connection) WebTransportSession() *webtransport.Session {
	return c.session
}

func (c *Connection) Send(data []byte) error {
	select {
	case c.writeChan <- data:
		return nil
	case <-c.closeChan:
		return ErrConnectionClosed
	}
}

func (c *Connection) writeLoop() {
	for {
		select {
		case data := <-c.writeChan:
			stream, err := c.session.OpenStream()
			if err != nil {
				c.logger.Error("Failed to open stream", "error", err)
				continue
			}
			if _, err := stream.Write(data); err != nil {
				c.logger.Error("Failed to write to stream", "error", err)
			}
			stream.Close()
		case <-c.closeChan:
			return
		}
	}
}

func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closeChan)
		if c.session != nil {
			c.session.CloseWithError(0, "connection closed")
		}
	})
}

// Closed 连接是否已关闭
func (c *Connection) Closed() bool {
	select {
	case <-c.closeChan:
		return true
	default:
		return false
	}
}

func (c *Connection) UpdateActive() {
	c.lastActive.Store(time.Now().UnixNano())
}

// LastActiveTime 最后一次收到客户端数据的时间
func (c *Connection) LastActiveTime() time.Time {
	return time.Unix(0, c.lastActive.Load())
}

func (c *Connection) CreateTime() time.Time {
	return c.createTime
}
