package proto

import (
	"sudooom.fans.relay/internal/model"
)

// ============== 客户端 -> 中继 ==============

// AuthRequest 首帧认证请求
type AuthRequest struct {
	Token    string `json:"token"`
	DeviceID string `json:"deviceId"`
	Platform string `json:"platform"`
}

// AuthAck 认证响应
type AuthAck struct {
	Code    int    `json:"code"`
	UserID  int64  `json:"userId"`
	Message string `json:"message"`
}

// MessageSend 发送消息请求 (message:send)
type MessageSend struct {
	ClientMsgID string   `json:"clientMsgId"`
	RecipientID int64    `json:"recipientId"`
	Text        string   `json:"text,omitempty"`
	Media       []string `json:"media,omitempty"`
	ReplyTo     *int64   `json:"replyTo,omitempty"`
}

// MessageRead 标记会话已读：一次性把 upToMessageId 及之前的消息置为已读
type MessageRead struct {
	ConversationID int64 `json:"conversationId"`
	UpToMessageID  int64 `json:"upToMessageId"`
}

// Focus 前台焦点/可见性变更
type Focus struct {
	Foreground            bool  `json:"foreground"`
	ViewingConversationID int64 `json:"viewingConversationId"`
	Audible               bool  `json:"audible"`
}

// ============== 中继 -> 客户端 ==============

// MessageAck 发送结果回执，携带服务端分配的消息
type MessageAck struct {
	ClientMsgID string         `json:"clientMsgId"`
	Message     *model.Message `json:"message"`
}

// MessageNew 新消息推送 (message:new)
// Unread/Alert 由中继按连接的通知状态补充
type MessageNew struct {
	Message *model.Message `json:"message"`
	Unread  int            `json:"unread"`
	Alert   bool           `json:"alert"`
}

// MessageStatusUpdate 投递状态推送，用于已读回执渲染
type MessageStatusUpdate struct {
	ConversationID int64               `json:"conversationId"`
	MessageID      int64               `json:"messageId"` // 已读时表示 up-to 边界
	Status         model.MessageStatus `json:"status"`
}

// ErrorPush 业务错误推送
type ErrorPush struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ============== 通话信令（双向） ==============

// CallOffer 通话邀请 (call:offer)
// FromID 由中继按连接身份填写，不信任客户端
type CallOffer struct {
	FromID    int64  `json:"fromId"`
	TargetID  int64  `json:"targetId"`
	SessionID string `json:"sessionId"`
	SDP       string `json:"sdp"`
}

// CallAnswer 通话应答 (call:answer)
type CallAnswer struct {
	FromID        int64  `json:"fromId"`
	TargetID      int64  `json:"targetId"`
	SessionID     string `json:"sessionId"`
	PeerSessionID string `json:"peerSessionId"`
	SDP           string `json:"sdp"`
}

// CallCandidate ICE 候选转发 (call:ice-candidate)
type CallCandidate struct {
	FromID    int64           `json:"fromId"`
	TargetID  int64           `json:"targetId"`
	SessionID string          `json:"sessionId"`
	Candidate model.Candidate `json:"candidate"`
}

// CallEnd 挂断/拒接 (call:end)
type CallEnd struct {
	FromID    int64  `json:"fromId"`
	TargetID  int64  `json:"targetId"`
	SessionID string `json:"sessionId"`
}

// ============== 节点间下行消息 (NATS) ==============

// Downstream 发往其他中继节点的下行封装
type Downstream struct {
	ToUserID int64             `json:"ToUserId"`
	Payload  DownstreamPayload `json:"Payload"`
}

// DownstreamPayload 下行消息载荷
type DownstreamPayload struct {
	MessageNew    *MessageNew          `json:"MessageNew,omitempty"`
	MessageAck    *MessageAck          `json:"MessageAck,omitempty"`
	MessageStatus *MessageStatusUpdate `json:"MessageStatus,omitempty"`
	CallOffer     *CallOffer           `json:"CallOffer,omitempty"`
	CallAnswer    *CallAnswer          `json:"CallAnswer,omitempty"`
	CallCandidate *CallCandidate       `json:"CallCandidate,omitempty"`
	CallEnd       *CallEnd             `json:"CallEnd,omitempty"`
}
