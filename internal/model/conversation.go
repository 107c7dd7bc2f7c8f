package model

import "time"

// Conversation 两个用户之间的会话
// 以规范化的无序参与者对为身份：{A,B} 与 {B,A} 是同一个会话
type Conversation struct {
	ID           int64     `json:"id"`
	UserLow      int64     `json:"userLow"`
	UserHigh     int64     `json:"userHigh"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActiveAt time.Time `json:"lastActiveAt"`
}

// CanonicalPair 规范化参与者对，返回 (小, 大)
func CanonicalPair(a, b int64) (int64, int64) {
	if a > b {
		return b, a
	}
	return a, b
}

// Peer 返回会话中 viewer 的对端
func (c *Conversation) Peer(viewer int64) int64 {
	if c.UserLow == viewer {
		return c.UserHigh
	}
	return c.UserLow
}

// Has 判断用户是否是会话参与者
func (c *Conversation) Has(userID int64) bool {
	return c.UserLow == userID || c.UserHigh == userID
}
