package connection

import (
	"sync"
	"time"
)

// Manager 本节点连接注册表
// 双索引:connID 直达单条连接 (本地投递用),userID 汇聚同一用户的全部设备连接 (多端扇出用)。
// 认证前的连接只在 connID 索引里,BindUser 之后才参与按用户扇出
type Manager struct {
	mu      sync.RWMutex
	conns   map[int64]*Connection
	devices map[int64]map[int64]*Connection // userID -> connID -> 设备连接
}

func NewManager() *Manager {
	return &Manager{
		conns:   make(map[int64]*Connection),
		devices: make(map[int64]map[int64]*Connection),
	}
}

// Add 登记新连接,此时尚未认证,不进用户索引
func (m *Manager) Add(conn *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conns[conn.ID()] = conn
}

// Remove 把连接移出两个索引,返回被移除的连接,不存在返回 nil
func (m *Manager) Remove(connID int64) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return nil
	}
	delete(m.conns, connID)

	if userID := conn.UserID(); userID > 0 {
		if devs, ok := m.devices[userID]; ok {
			delete(devs, connID)
			if len(devs) == 0 {
				delete(m.devices, userID)
			}
		}
	}
	return conn
}

func (m *Manager) Get(connID int64) *Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.conns[connID]
}

// BindUser 认证完成后把连接挂到用户索引,连接不存在返回 false
func (m *Manager) BindUser(connID, userID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.conns[connID]
	if !ok {
		return false
	}
	if _, ok := m.devices[userID]; !ok {
		m.devices[userID] = make(map[int64]*Connection)
	}
	m.devices[userID][connID] = conn
	return true
}

// DevicesOf 用户当前全部在线设备连接,离线返回 nil
func (m *Manager) DevicesOf(userID int64) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	devs, ok := m.devices[userID]
	if !ok {
		return nil
	}
	out := make([]*Connection, 0, len(devs))
	for _, conn := range devs {
		out = append(out, conn)
	}
	return out
}

func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.conns)
}

// IdleSince 最后活跃时间早于 cutoff 的连接,心跳清扫用
func (m *Manager) IdleSince(cutoff time.Time) []*Connection {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var idle []*Connection
	for _, conn := range m.conns {
		if conn.LastActiveTime().Before(cutoff) {
			idle = append(idle, conn)
		}
	}
	return idle
}
