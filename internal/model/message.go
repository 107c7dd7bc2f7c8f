package model

import "time"

// MessageStatus 消息投递状态
// 状态单向推进：sent -> delivered -> read，禁止回退
type MessageStatus int16

const (
	StatusSent      MessageStatus = 1 // 已落库，等待投递
	StatusDelivered MessageStatus = 2 // 已推送到接收方至少一个在线连接
	StatusRead      MessageStatus = 3 // 接收方已读
)

// String 转换为字符串
func (s MessageStatus) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return "unknown"
	}
}

// Body 消息正文，文本和媒体引用至少有一项
type Body struct {
	Text  string   `json:"text,omitempty"`
	Media []string `json:"media,omitempty"`
}

// Empty 判断正文是否为空
func (b Body) Empty() bool {
	return b.Text == "" && len(b.Media) == 0
}

// Message 单聊消息
type Message struct {
	ID             int64         `json:"id"`
	ConversationID int64         `json:"conversationId"`
	SenderID       int64         `json:"senderId"`
	RecipientID    int64         `json:"recipientId"`
	Body           Body          `json:"body"`
	Status         MessageStatus `json:"status"`
	ReplyTo        *int64        `json:"replyTo,omitempty"` // 同会话内的弱引用，仅关系不持有
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}
