package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"sudooom.fans.relay/internal/model"
	apperrors "sudooom.fans.relay/pkg/errors"
)

// ConversationStore 会话存储
// GetOrCreate 对同一无序参与者对必须幂等：并发首次互发也只产生一个会话
type ConversationStore interface {
	GetOrCreate(ctx context.Context, userA, userB int64) (*model.Conversation, error)
	Find(ctx context.Context, id int64) (*model.Conversation, error)
	// Append 追加消息并刷新会话活跃时间，会话不存在返回 ErrConversationNotFound
	Append(ctx context.Context, conversationID int64, msg *model.Message) (*model.Message, error)
	// List 按时间倒序分页，cursor 为不透明游标，空串表示从最新开始
	List(ctx context.Context, conversationID int64, cursor string, limit int) ([]*model.Message, string, error)
}

// StatusTracker 投递状态跟踪器
// 状态只能单向推进 sent -> delivered -> read，重复标记是幂等空操作
type StatusTracker interface {
	MarkDelivered(ctx context.Context, messageID int64) error
	// MarkRead 把会话内 upToMessageID 及之前、非 viewer 发出的消息批量置为已读
	MarkRead(ctx context.Context, conversationID, upToMessageID, viewerID int64) error
	// UnreadCount 对端发出且未读的消息数
	UnreadCount(ctx context.Context, conversationID, viewerID int64) (int, error)
}

const (
	cursorPrefix     = "v1:"
	DefaultListLimit = 50
	MaxListLimit     = 200
)

// encodeCursor 以最后一条消息 ID 构造游标
func encodeCursor(lastID int64) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + strconv.FormatInt(lastID, 10)))
}

// decodeCursor 解析游标，空串返回 0（从最新开始）
func decodeCursor(cursor string) (int64, error) {
	if cursor == "" {
		return 0, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return 0, apperrors.ErrBadCursor.Wrap(err)
	}
	s := string(raw)
	if !strings.HasPrefix(s, cursorPrefix) {
		return 0, apperrors.ErrBadCursor.Wrap(fmt.Errorf("unknown cursor version"))
	}
	id, err := strconv.ParseInt(strings.TrimPrefix(s, cursorPrefix), 10, 64)
	if err != nil || id <= 0 {
		return 0, apperrors.ErrBadCursor
	}
	return id, nil
}

// clampLimit 规范化分页大小
func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	if limit > MaxListLimit {
		return MaxListLimit
	}
	return limit
}
