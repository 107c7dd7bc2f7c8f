package chat

import (
	"context"
	"log/slog"

	"sudooom.fans.relay/internal/model"
	"sudooom.fans.relay/internal/proto"
	"sudooom.fans.relay/internal/store"
	apperrors "sudooom.fans.relay/pkg/errors"
	"sudooom.fans.relay/pkg/snowflake"
)

// Relay 下行投递通道
// 本节点连接直接写,跨节点经 NATS 转发,由协议层实现
type Relay interface {
	// Deliver 把下行载荷投到指定位置,对端不可达时返回错误
	Deliver(ctx context.Context, loc *model.Location, payload *proto.DownstreamPayload) error
}

// BlockChecker 拉黑关系检查,任一方向拉黑即拦截
type BlockChecker interface {
	IsBlocked(ctx context.Context, userA, userB int64) (bool, error)
}

// Locator 用户在线位置查询
type Locator interface {
	Locations(ctx context.Context, userID int64) ([]*model.Location, error)
}

// Service 消息分发服务
// 落库成功即回执,在线投递是尽力而为:有一条连接投成功立刻标 delivered,
// 全部离线则停在 sent,等对端上线拉取补读。低延迟优先,不等客户端确认
type Service struct {
	convs   store.ConversationStore
	status  store.StatusTracker
	blocks  BlockChecker
	locator Locator
	relay   Relay
	node    *snowflake.Node
	logger  *slog.Logger
}

// NewService 创建消息分发服务
func NewService(
	convs store.ConversationStore,
	status store.StatusTracker,
	blocks BlockChecker,
	locator Locator,
	relay Relay,
	node *snowflake.Node,
) *Service {
	return &Service{
		convs:   convs,
		status:  status,
		blocks:  blocks,
		locator: locator,
		relay:   relay,
		node:    node,
		logger:  slog.Default(),
	}
}

// Send 接收发送意图:校验、落库、标 sent、在线投递
// originConnID 是发送方本次请求所在的连接,多端同步时跳过它
func (s *Service) Send(ctx context.Context, senderID, originConnID int64, req *proto.MessageSend) (*model.Message, error) {
	body := model.Body{Text: req.Text, Media: req.Media}
	if body.Empty() {
		return nil, apperrors.ErrInvalidPayload
	}
	if senderID == req.RecipientID {
		return nil, apperrors.ErrSelfMessage
	}

	blocked, err := s.blocks.IsBlocked(ctx, senderID, req.RecipientID)
	if err != nil {
		return nil, apperrors.ErrServerError.Wrap(err)
	}
	if blocked {
		// 消息不落库,同步拒绝
		return nil, apperrors.ErrBlocked
	}

	conv, err := s.convs.GetOrCreate(ctx, senderID, req.RecipientID)
	if err != nil {
		return nil, err
	}

	msg := &model.Message{
		ID:          s.node.Generate().Int64(),
		SenderID:    senderID,
		RecipientID: req.RecipientID,
		Body:        body,
		Status:      model.StatusSent,
		ReplyTo:     req.ReplyTo,
	}
	stored, err := s.convs.Append(ctx, conv.ID, msg)
	if err != nil {
		return nil, err
	}

	// 在线投递,对端全部离线不算错误
	delivered := s.fanout(ctx, req.RecipientID, &proto.DownstreamPayload{
		MessageNew: &proto.MessageNew{Message: stored},
	})

	// 发送方其他在线设备同步一份自己发出的消息
	s.fanoutExcept(ctx, senderID, originConnID, &proto.DownstreamPayload{
		MessageNew: &proto.MessageNew{Message: stored},
	})

	if delivered > 0 {
		if err := s.status.MarkDelivered(ctx, stored.ID); err != nil {
			s.logger.Warn("标记已投递失败", "messageId", stored.ID, "error", err)
		} else {
			stored.Status = model.StatusDelivered
		}
		// 已读回执渲染需要让发送方看到状态前进
		s.fanout(ctx, senderID, &proto.DownstreamPayload{
			MessageStatus: &proto.MessageStatusUpdate{
				ConversationID: stored.ConversationID,
				MessageID:      stored.ID,
				Status:         stored.Status,
			},
		})
	}

	s.logger.Info("消息已分发",
		"messageId", stored.ID,
		"conversationId", stored.ConversationID,
		"senderId", senderID,
		"recipientId", req.RecipientID,
		"status", stored.Status.String())
	return stored, nil
}

// MarkThreadRead 批量已读:会话内 upToMessageId 及之前一次性置已读
// 客户端补读一个长会话不应该一条消息一个往返
func (s *Service) MarkThreadRead(ctx context.Context, viewerID int64, req *proto.MessageRead) error {
	conv, err := s.convs.Find(ctx, req.ConversationID)
	if err != nil {
		return err
	}
	if !conv.Has(viewerID) {
		return apperrors.ErrConversationNotFound
	}

	if err := s.status.MarkRead(ctx, req.ConversationID, req.UpToMessageID, viewerID); err != nil {
		return err
	}

	// 推已读回执给对端
	s.fanout(ctx, conv.Peer(viewerID), &proto.DownstreamPayload{
		MessageStatus: &proto.MessageStatusUpdate{
			ConversationID: req.ConversationID,
			MessageID:      req.UpToMessageID,
			Status:         model.StatusRead,
		},
	})
	return nil
}

// History 会话消息补读,时间倒序,游标分页
func (s *Service) History(ctx context.Context, viewerID, conversationID int64, cursor string, limit int) ([]*model.Message, string, error) {
	conv, err := s.convs.Find(ctx, conversationID)
	if err != nil {
		return nil, "", err
	}
	if !conv.Has(viewerID) {
		return nil, "", apperrors.ErrConversationNotFound
	}
	return s.convs.List(ctx, conversationID, cursor, limit)
}

// UnreadCount 对端发出且未读的消息数
func (s *Service) UnreadCount(ctx context.Context, conversationID, viewerID int64) (int, error) {
	return s.status.UnreadCount(ctx, conversationID, viewerID)
}

// fanout 向用户全部在线位置投递,返回成功条数
func (s *Service) fanout(ctx context.Context, userID int64, payload *proto.DownstreamPayload) int {
	return s.fanoutExcept(ctx, userID, 0, payload)
}

// fanoutExcept 同 fanout,但跳过指定连接
func (s *Service) fanoutExcept(ctx context.Context, userID, skipConnID int64, payload *proto.DownstreamPayload) int {
	locs, err := s.locator.Locations(ctx, userID)
	if err != nil {
		s.logger.Warn("查询用户位置失败", "userId", userID, "error", err)
		return 0
	}

	delivered := 0
	for _, loc := range locs {
		if skipConnID != 0 && loc.ConnID == skipConnID {
			continue
		}
		if err := s.relay.Deliver(ctx, loc, payload); err != nil {
			s.logger.Debug("下行投递失败",
				"userId", userID,
				"nodeId", loc.NodeID,
				"connId", loc.ConnID,
				"error", err)
			continue
		}
		delivered++
	}
	return delivered
}
