package store

import (
	"context"
	"errors"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"sudooom.fans.relay/internal/model"
	apperrors "sudooom.fans.relay/pkg/errors"
)

// PostgresStore 基于 PostgreSQL 的会话/消息存储
// conversations 表对 (user_low, user_high) 建唯一索引，
// 首次互发并发时通过 insert-on-conflict 加重查保证只产生一个会话
type PostgresStore struct {
	db     *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 创建 Postgres 存储
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{
		db:     db,
		logger: slog.Default(),
	}
}

// GetOrCreate 获取或创建会话
func (s *PostgresStore) GetOrCreate(ctx context.Context, userA, userB int64) (*model.Conversation, error) {
	low, high := model.CanonicalPair(userA, userB)

	conv, err := s.findByPair(ctx, low, high)
	if err == nil {
		return conv, nil
	}
	if !apperrors.Is(err, apperrors.ErrConversationNotFound) {
		return nil, err
	}

	// 不存在则插入；并发冲突时 DO NOTHING 不返回行，重查一次即可
	query := `
		INSERT INTO conversations (user_low, user_high, created_at, last_active_at)
		VALUES ($1, $2, now(), now())
		ON CONFLICT (user_low, user_high) DO NOTHING
		RETURNING id, user_low, user_high, created_at, last_active_at
	`
	var c model.Conversation
	err = s.db.QueryRow(ctx, query, low, high).Scan(
		&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt, &c.LastActiveAt,
	)
	if err == nil {
		return &c, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrDBError.Wrap(err)
	}

	return s.findByPair(ctx, low, high)
}

func (s *PostgresStore) findByPair(ctx context.Context, low, high int64) (*model.Conversation, error) {
	query := `
		SELECT id, user_low, user_high, created_at, last_active_at
		FROM conversations WHERE user_low = $1 AND user_high = $2
	`
	var c model.Conversation
	err := s.db.QueryRow(ctx, query, low, high).Scan(
		&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt, &c.LastActiveAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrConversationNotFound
	}
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	return &c, nil
}

// Find 按 ID 查找会话
func (s *PostgresStore) Find(ctx context.Context, id int64) (*model.Conversation, error) {
	query := `
		SELECT id, user_low, user_high, created_at, last_active_at
		FROM conversations WHERE id = $1
	`
	var c model.Conversation
	err := s.db.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.UserLow, &c.UserHigh, &c.CreatedAt, &c.LastActiveAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperrors.ErrConversationNotFound
	}
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	return &c, nil
}

// Append 追加消息并刷新会话活跃时间（同一事务内）
func (s *PostgresStore) Append(ctx context.Context, conversationID int64, msg *model.Message) (*model.Message, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		`UPDATE conversations SET last_active_at = now() WHERE id = $1`, conversationID)
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	if tag.RowsAffected() == 0 {
		return nil, apperrors.ErrConversationNotFound
	}

	stored := *msg
	stored.ConversationID = conversationID
	if stored.Status == 0 {
		stored.Status = model.StatusSent
	}

	query := `
		INSERT INTO messages (id, conversation_id, sender_id, recipient_id, body_text, body_media, reply_to, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now(), now())
		RETURNING created_at, updated_at
	`
	err = tx.QueryRow(ctx, query,
		stored.ID,
		stored.ConversationID,
		stored.SenderID,
		stored.RecipientID,
		stored.Body.Text,
		stored.Body.Media,
		stored.ReplyTo,
		stored.Status,
	).Scan(&stored.CreatedAt, &stored.UpdatedAt)
	if err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, apperrors.ErrDBError.Wrap(err)
	}
	return &stored, nil
}

// List 按 ID 倒序（即时间倒序）键集分页
func (s *PostgresStore) List(ctx context.Context, conversationID int64, cursor string, limit int) ([]*model.Message, string, error) {
	before, err := decodeCursor(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = clampLimit(limit)

	query := `
		SELECT id, conversation_id, sender_id, recipient_id, body_text, body_media, reply_to, status, created_at, updated_at
		FROM messages
		WHERE conversation_id = $1 AND ($2 = 0 OR id < $2)
		ORDER BY id DESC
		LIMIT $3
	`
	rows, err := s.db.Query(ctx, query, conversationID, before, limit)
	if err != nil {
		return nil, "", apperrors.ErrDBError.Wrap(err)
	}
	defer rows.Close()

	out := make([]*model.Message, 0, limit)
	for rows.Next() {
		var m model.Message
		if err := rows.Scan(
			&m.ID, &m.ConversationID, &m.SenderID, &m.RecipientID,
			&m.Body.Text, &m.Body.Media, &m.ReplyTo, &m.Status,
			&m.CreatedAt, &m.UpdatedAt,
		); err != nil {
			return nil, "", apperrors.ErrDBError.Wrap(err)
		}
		out = append(out, &m)
	}
	if rows.Err() != nil {
		return nil, "", apperrors.ErrDBError.Wrap(rows.Err())
	}

	next := ""
	if len(out) == limit {
		next = encodeCursor(out[len(out)-1].ID)
	}
	return out, next, nil
}

// MarkDelivered 标记消息已投递，状态只会前进不会回退
func (s *PostgresStore) MarkDelivered(ctx context.Context, messageID int64) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE messages SET status = $2, updated_at = now() WHERE id = $1 AND status < $2`,
		messageID, model.StatusDelivered)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// 没有行受影响：要么已是更高状态（幂等空操作），要么消息不存在
	var exists bool
	err = s.db.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, messageID).Scan(&exists)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	if !exists {
		return apperrors.ErrMessageNotFound
	}
	return nil
}

// MarkRead 批量标记已读
func (s *PostgresStore) MarkRead(ctx context.Context, conversationID, upToMessageID, viewerID int64) error {
	_, err := s.db.Exec(ctx, `
		UPDATE messages SET status = $4, updated_at = now()
		WHERE conversation_id = $1 AND id <= $2 AND sender_id <> $3 AND status < $4
	`, conversationID, upToMessageID, viewerID, model.StatusRead)
	if err != nil {
		return apperrors.ErrDBError.Wrap(err)
	}
	return nil
}

// UnreadCount 对端发出且未读的消息数
func (s *PostgresStore) UnreadCount(ctx context.Context, conversationID, viewerID int64) (int, error) {
	var count int
	err := s.db.QueryRow(ctx, `
		SELECT count(*) FROM messages
		WHERE conversation_id = $1 AND sender_id <> $2 AND status <> $3
	`, conversationID, viewerID, model.StatusRead).Scan(&count)
	if err != nil {
		return 0, apperrors.ErrDBError.Wrap(err)
	}
	return count, nil
}
