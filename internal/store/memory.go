package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"sudooom.fans.relay/internal/model"
	apperrors "sudooom.fans.relay/pkg/errors"
)

// MemoryStore 内存实现，开发模式和测试使用
// 语义与 Postgres 实现一致：同一参与者对唯一会话、追加有序、状态单向推进
type MemoryStore struct {
	mu      sync.RWMutex
	convSeq int64
	convs   map[int64]*model.Conversation
	byPair  map[string]int64   // "low:high" -> conversationID
	msgs    map[int64]*model.Message
	order   map[int64][]int64 // conversationID -> 追加序消息ID
}

// NewMemoryStore 创建内存存储
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		convs:  make(map[int64]*model.Conversation),
		byPair: make(map[string]int64),
		msgs:   make(map[int64]*model.Message),
		order:  make(map[int64][]int64),
	}
}

func pairKey(low, high int64) string {
	return fmt.Sprintf("%d:%d", low, high)
}

// GetOrCreate 获取或创建会话，对同一无序参与者对幂等
func (s *MemoryStore) GetOrCreate(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	low, high := model.CanonicalPair(userA, userB)
	key := pairKey(low, high)

	s.mu.Lock()
	defer s.mu.Unlock()

	if id, ok := s.byPair[key]; ok {
		return cloneConversation(s.convs[id]), nil
	}

	s.convSeq++
	now := time.Now()
	conv := &model.Conversation{
		ID:           s.convSeq,
		UserLow:      low,
		UserHigh:     high,
		CreatedAt:    now,
		LastActiveAt: now,
	}
	s.convs[conv.ID] = conv
	s.byPair[key] = conv.ID
	return cloneConversation(conv), nil
}

// Find 按 ID 查找会话
func (s *MemoryStore) Find(ctx context.Context, id int64) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.convs[id]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}
	return cloneConversation(conv), nil
}

// Append 追加消息并刷新会话活跃时间
func (s *MemoryStore) Append(ctx context.Context, conversationID int64, msg *model.Message) (*model.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.convs[conversationID]
	if !ok {
		return nil, apperrors.ErrConversationNotFound
	}

	now := time.Now()
	stored := *msg
	stored.ConversationID = conversationID
	if stored.Status == 0 {
		stored.Status = model.StatusSent
	}
	stored.CreatedAt = now
	stored.UpdatedAt = now

	s.msgs[stored.ID] = &stored
	s.order[conversationID] = append(s.order[conversationID], stored.ID)
	conv.LastActiveAt = now

	out := stored
	return &out, nil
}

// List 按时间倒序分页
func (s *MemoryStore) List(ctx context.Context, conversationID int64, cursor string, limit int) ([]*model.Message, string, error) {
	before, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = clampLimit(limit)

	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.convs[conversationID]; !ok {
		return nil, "", apperrors.ErrConversationNotFound
	}

	ids := s.order[conversationID]
	out := make([]*model.Message, 0, limit)
	for i := len(ids) - 1; i >= 0 && len(out) < limit; i-- {
		if before > 0 && ids[i] >= before {
			continue
		}
		m := *s.msgs[ids[i]]
		out = append(out, &m)
	}

	next := ""
	if len(out) == limit {
		next = encodeCursor(out[len(out)-1].ID)
	}
	return out, next, nil
}

// MarkDelivered 标记消息已投递，已投递/已读时为幂等空操作
func (s *MemoryStore) MarkDelivered(ctx context.Context, messageID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	msg, ok := s.msgs[messageID]
	if !ok {
		return apperrors.ErrMessageNotFound
	}
	if msg.Status >= model.StatusDelivered {
		return nil
	}
	msg.Status = model.StatusDelivered
	msg.UpdatedAt = time.Now()
	return nil
}

// MarkRead 批量标记已读
func (s *MemoryStore) MarkRead(ctx context.Context, conversationID, upToMessageID, viewerID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.convs[conversationID]; !ok {
		return apperrors.ErrConversationNotFound
	}

	now := time.Now()
	for _, id := range s.order[conversationID] {
		if id > upToMessageID {
			break
		}
		msg := s.msgs[id]
		if msg.SenderID == viewerID {
			continue
		}
		if msg.Status < model.StatusRead {
			msg.Status = model.StatusRead
			msg.UpdatedAt = now
		}
	}
	return nil
}

// UnreadCount 对端发出且未读的消息数
func (s *MemoryStore) UnreadCount(ctx context.Context, conversationID, viewerID int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.convs[conversationID]; !ok {
		return 0, apperrors.ErrConversationNotFound
	}

	count := 0
	for _, id := range s.order[conversationID] {
		msg := s.msgs[id]
		if msg.SenderID != viewerID && msg.Status != model.StatusRead {
			count++
		}
	}
	return count, nil
}

func cloneConversation(c *model.Conversation) *model.Conversation {
	out := *c
	return &out
}
