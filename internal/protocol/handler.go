package protocol

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/quic-go/webtransport-go"

	"sudooom.fans.relay/internal/chat"
	"sudooom.fans.relay/internal/connection"
	"sudooom.fans.relay/internal/model"
	"sudooom.fans.relay/internal/nats"
	"sudooom.fans.relay/internal/proto"
	"sudooom.fans.relay/internal/redis"
	"sudooom.fans.relay/internal/timer"
	apperrors "sudooom.fans.relay/pkg/errors"
	"sudooom.fans.relay/pkg/jwt"
)

// callTracker 记录每条连接参与中的通话对端
// 连接断开时要向这些对端补发挂断,不能留半开的通话
type callTracker struct {
	mu    sync.Mutex
	pairs map[int64]map[int64]string // connID -> peerUserID -> sessionID
}

func newCallTracker() *callTracker {
	return &callTracker{pairs: make(map[int64]map[int64]string)}
}

func (t *callTracker) track(connID, peerID int64, sessionID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.pairs[connID]; !ok {
		t.pairs[connID] = make(map[int64]string)
	}
	t.pairs[connID][peerID] = sessionID
}

func (t *callTracker) drop(connID, peerID int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if peers, ok := t.pairs[connID]; ok {
		delete(peers, peerID)
		if len(peers) == 0 {
			delete(t.pairs, connID)
		}
	}
}

// drainConn 取出并清空某连接的全部通话对端
func (t *callTracker) drainConn(connID int64) map[int64]string {
	t.mu.Lock()
	defer t.mu.Unlock()

	peers := t.pairs[connID]
	delete(t.pairs, connID)
	return peers
}

// Handler 帧协议处理器
// 上行:认证/心跳/消息/已读/焦点/通话信令;下行:本节点直推,跨节点走 NATS。
// 同时实现 chat.Relay,消息分发层的投递统一从这里走
type Handler struct {
	connMgr     *connection.Manager
	natsClient  *nats.Client
	redisClient *redis.Client
	jwtService  *jwt.Service
	chatSvc     *chat.Service
	calls       *callTracker
	sched       *timer.Scheduler // 可为 nil
	offerExpiry int              // 秒,未应答的 offer 过期后清理跟踪
	nodeID      string
	logger      *slog.Logger
}

func NewHandler(
	connMgr *connection.Manager,
	natsClient *nats.Client,
	redisClient *redis.Client,
	jwtService *jwt.Service,
	sched *timer.Scheduler,
	offerExpiry int,
	nodeID string,
	logger *slog.Logger,
) *Handler {
	if offerExpiry <= 0 {
		offerExpiry = 30
	}
	return &Handler{
		connMgr:     connMgr,
		natsClient:  natsClient,
		redisClient: redisClient,
		jwtService:  jwtService,
		calls:       newCallTracker(),
		sched:       sched,
		offerExpiry: offerExpiry,
		nodeID:      nodeID,
		logger:      logger,
	}
}

// SetChatService 注入消息分发服务
// 分发服务反过来依赖本处理器做投递,构造后补注入解开环
func (h *Handler) SetChatService(svc *chat.Service) {
	h.chatSvc = svc
}

func (h *Handler) HandleStream(ctx context.Context, conn *connection.Connection, stream webtransport.Stream) {
	defer stream.Close()

	for {
		msgType, body, err := ReadFrame(stream)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				h.logger.Debug("Failed to read frame", "error", err)
			}
			return
		}

		// 更新活跃时间
		conn.UpdateActive()

		h.dispatch(ctx, conn, stream, msgType, body)
	}
}

func (h *Handler) dispatch(ctx context.Context, conn *connection.Connection, stream webtransport.Stream, msgType uint16, body []byte) {
	switch msgType {
	case MsgTypeHeartbeat:
		h.handleHeartbeat(ctx, conn, stream)
		return
	case MsgTypeAuth:
		h.handleAuth(ctx, conn, stream, body)
		return
	}

	// 其余操作一律要求已认证
	if conn.UserID() == 0 {
		h.sendError(stream, apperrors.ErrTokenInvalid)
		return
	}

	switch msgType {
	case MsgTypeMessageSend:
		h.handleMessageSend(ctx, conn, stream, body)
	case MsgTypeMessageRead:
		h.handleMessageRead(ctx, conn, stream, body)
	case MsgTypeFocus:
		h.handleFocus(conn, body)
	case MsgTypeCallOffer:
		h.handleCallOffer(ctx, conn, stream, body)
	case MsgTypeCallAnswer:
		h.handleCallAnswer(ctx, conn, body)
	case MsgTypeCallCandidate:
		h.handleCallCandidate(ctx, conn, body)
	case MsgTypeCallEnd:
		h.handleCallEnd(ctx, conn, body)
	default:
		h.logger.Warn("Unknown message type", "msgType", msgType, "connId", conn.ID())
	}
}

func (h *Handler) handleHeartbeat(ctx context.Context, conn *connection.Connection, stream webtransport.Stream) {
	h.logger.Debug("Heartbeat received", "conn_id", conn.ID())

	// 刷新用户位置 TTL
	if conn.UserID() > 0 {
		if err := h.redisClient.RefreshLocation(ctx, conn.UserID()); err != nil {
			h.logger.Warn("Failed to refresh location", "userId", conn.UserID(), "error", err)
		}
	}

	// 回复心跳响应
	h.sendResponse(stream, MsgTypeHeartbeat, nil)
}

func (h *Handler) handleAuth(ctx context.Context, conn *connection.Connection, stream webtransport.Stream, body []byte) {
	var req proto.AuthRequest
	if err := json.Unmarshal(body, &req); err != nil {
		h.sendError(stream, apperrors.ErrInvalidPayload.Wrap(err))
		return
	}

	claims, err := h.jwtService.ValidateToken(req.Token)
	if err != nil {
		ack := proto.AuthAck{Code: apperrors.GetCode(err), Message: apperrors.GetMessage(err)}
		data, _ := json.Marshal(ack)
		h.sendResponse(stream, MsgTypeAuthAck, data)
		return
	}

	sessInfo := &connection.SessionInfo{
		UserID:   claims.UserID,
		DeviceID: req.DeviceID,
		Platform: req.Platform,
	}
	conn.BindSession(sessInfo)
	h.connMgr.BindUser(conn.ID(), sessInfo.UserID)

	// 注册用户位置到 Redis
	if err := h.redisClient.RegisterLocation(ctx, sessInfo.UserID, conn.ID(), sessInfo.DeviceID, sessInfo.Platform); err != nil {
		h.logger.Error("Failed to register user location", "error", err)
	}

	ack := proto.AuthAck{Code: 0, UserID: sessInfo.UserID, Message: "success"}
	data, _ := json.Marshal(ack)
	h.sendResponse(stream, MsgTypeAuthAck, data)

	h.logger.Info("Client authenticated",
		"connId", conn.ID(),
		"userId", sessInfo.UserID,
		"platform", sessInfo.Platform)
}

func (h *Handler) handleMessageSend(ctx context.Context, conn *connection.Connection, stream webtransport.Stream, body []byte) {
	var req proto.MessageSend
	if err := json.Unmarshal(body, &req); err != nil {
		h.sendError(stream, apperrors.ErrInvalidPayload.Wrap(err))
		return
	}

	msg, err := h.chatSvc.Send(ctx, conn.UserID(), conn.ID(), &req)
	if err != nil {
		h.sendError(stream, err)
		return
	}

	ack := proto.MessageAck{ClientMsgID: req.ClientMsgID, Message: msg}
	data, _ := json.Marshal(ack)
	h.sendResponse(stream, MsgTypeMessageAck, data)
}

func (h *Handler) handleMessageRead(ctx context.Context, conn *connection.Connection, stream webtransport.Stream, body []byte) {
	var req proto.MessageRead
	if err := json.Unmarshal(body, &req); err != nil {
		h.sendError(stream, apperrors.ErrInvalidPayload.Wrap(err))
		return
	}

	if err := h.chatSvc.MarkThreadRead(ctx, conn.UserID(), &req); err != nil {
		h.sendError(stream, err)
		return
	}

	// 本端通知状态同步清零
	conn.Notifier().OnRead(req.ConversationID, req.UpToMessageID)
}

func (h *Handler) handleFocus(conn *connection.Connection, body []byte) {
	var req proto.Focus
	if err := json.Unmarshal(body, &req); err != nil {
		h.logger.Debug("Bad focus payload", "connId", conn.ID(), "error", err)
		return
	}
	conn.Notifier().OnFocus(req.Foreground, req.ViewingConversationID, req.Audible)
}

// ============== 通话信令转发 ==============

func (h *Handler) handleCallOffer(ctx context.Context, conn *connection.Connection, stream webtransport.Stream, body []byte) {
	var offer proto.CallOffer
	if err := json.Unmarshal(body, &offer); err != nil {
		h.sendError(stream, apperrors.ErrInvalidPayload.Wrap(err))
		return
	}
	// 发起方身份以连接为准,不信任客户端填的
	offer.FromID = conn.UserID()

	h.calls.track(conn.ID(), offer.TargetID, offer.SessionID)
	h.armOfferExpiry(conn.ID(), offer.TargetID, offer.SessionID)
	delivered := h.fanoutCall(ctx, offer.TargetID, &proto.DownstreamPayload{CallOffer: &offer})
	if delivered == 0 {
		// 对端离线,发起方靠协商超时收场,这里只记日志
		h.logger.Info("Call offer target offline",
			"fromId", offer.FromID, "targetId", offer.TargetID)
	}
}

func (h *Handler) handleCallAnswer(ctx context.Context, conn *connection.Connection, body []byte) {
	var answer proto.CallAnswer
	if err := json.Unmarshal(body, &answer); err != nil {
		h.logger.Debug("Bad call answer payload", "connId", conn.ID(), "error", err)
		return
	}
	answer.FromID = conn.UserID()

	h.calls.track(conn.ID(), answer.TargetID, answer.SessionID)
	// offer 已被应答,停掉过期清理
	h.disarmOfferExpiry(answer.PeerSessionID)
	h.fanoutCall(ctx, answer.TargetID, &proto.DownstreamPayload{CallAnswer: &answer})
}

func (h *Handler) handleCallCandidate(ctx context.Context, conn *connection.Connection, body []byte) {
	var cand proto.CallCandidate
	if err := json.Unmarshal(body, &cand); err != nil {
		h.logger.Debug("Bad call candidate payload", "connId", conn.ID(), "error", err)
		return
	}
	cand.FromID = conn.UserID()

	h.fanoutCall(ctx, cand.TargetID, &proto.DownstreamPayload{CallCandidate: &cand})
}

func (h *Handler) handleCallEnd(ctx context.Context, conn *connection.Connection, body []byte) {
	var end proto.CallEnd
	if err := json.Unmarshal(body, &end); err != nil {
		h.logger.Debug("Bad call end payload", "connId", conn.ID(), "error", err)
		return
	}
	end.FromID = conn.UserID()

	h.calls.drop(conn.ID(), end.TargetID)
	h.disarmOfferExpiry(end.SessionID)
	h.fanoutCall(ctx, end.TargetID, &proto.DownstreamPayload{CallEnd: &end})
}

// armOfferExpiry 未应答的 offer 过期后清掉通话跟踪,断连时不再给早已失败的呼叫补挂断
func (h *Handler) armOfferExpiry(connID, peerID int64, sessionID string) {
	if h.sched == nil {
		return
	}
	t := timer.NewTimer("call:offer:"+sessionID, sessionID, h.offerExpiry,
		func(ctx context.Context, key string) error {
			h.calls.drop(connID, peerID)
			return nil
		})
	if err := h.sched.Add(t); err != nil {
		h.logger.Warn("Failed to arm offer expiry", "sessionId", sessionID, "error", err)
	}
}

func (h *Handler) disarmOfferExpiry(sessionID string) {
	if h.sched == nil || sessionID == "" {
		return
	}
	h.sched.Remove("call:offer:" + sessionID)
}

// fanoutCall 按在线位置把通话信令投给目标用户,返回成功条数
func (h *Handler) fanoutCall(ctx context.Context, targetID int64, payload *proto.DownstreamPayload) int {
	locs, err := h.redisClient.Locations(ctx, targetID)
	if err != nil {
		h.logger.Warn("Failed to resolve call target", "targetId", targetID, "error", err)
		return 0
	}

	delivered := 0
	for _, loc := range locs {
		if err := h.Deliver(ctx, loc, payload); err != nil {
			continue
		}
		delivered++
	}
	return delivered
}

// ============== 下行投递 (chat.Relay 实现) ==============

// Deliver 把下行载荷投到指定位置:本节点直推连接,其他节点发 NATS
func (h *Handler) Deliver(ctx context.Context, loc *model.Location, payload *proto.DownstreamPayload) error {
	if loc.NodeID == h.nodeID {
		conn := h.connMgr.Get(loc.ConnID)
		if conn == nil || conn.Closed() {
			return connection.ErrConnectionClosed
		}
		return h.pushLocal(conn, payload)
	}

	return h.natsClient.PublishDownstream(loc.NodeID, &proto.Downstream{
		ToUserID: loc.UserID,
		Payload:  *payload,
	})
}

// HandleDownstream 处理其他节点经 NATS 转来的下行消息
func (h *Handler) HandleDownstream(data []byte) {
	var msg proto.Downstream
	if err := json.Unmarshal(data, &msg); err != nil {
		h.logger.Error("Failed to unmarshal downstream message", "error", err)
		return
	}

	conns := h.connMgr.DevicesOf(msg.ToUserID)
	for _, conn := range conns {
		if err := h.pushLocal(conn, &msg.Payload); err != nil {
			h.logger.Debug("Downstream push failed",
				"toUserId", msg.ToUserID,
				"connId", conn.ID(),
				"error", err)
		}
	}
}

// pushLocal 把载荷编帧推给本节点连接
func (h *Handler) pushLocal(conn *connection.Connection, payload *proto.DownstreamPayload) error {
	switch {
	case payload.MessageNew != nil:
		// 未读数和提醒按这条连接自己的通知状态补充
		// 自己发出的消息多端同步副本不计未读
		push := *payload.MessageNew
		if push.Message.SenderID != conn.UserID() {
			push.Unread, push.Alert = conn.Notifier().OnMessage(
				push.Message.ConversationID, push.Message.ID)
		}
		return h.pushJSON(conn, MsgTypeMessageNew, push)

	case payload.MessageAck != nil:
		return h.pushJSON(conn, MsgTypeMessageAck, payload.MessageAck)

	case payload.MessageStatus != nil:
		return h.pushJSON(conn, MsgTypeMessageStatus, payload.MessageStatus)

	case payload.CallOffer != nil:
		h.calls.track(conn.ID(), payload.CallOffer.FromID, payload.CallOffer.SessionID)
		return h.pushJSON(conn, MsgTypeCallOffer, payload.CallOffer)

	case payload.CallAnswer != nil:
		h.calls.track(conn.ID(), payload.CallAnswer.FromID, payload.CallAnswer.SessionID)
		return h.pushJSON(conn, MsgTypeCallAnswer, payload.CallAnswer)

	case payload.CallCandidate != nil:
		return h.pushJSON(conn, MsgTypeCallCandidate, payload.CallCandidate)

	case payload.CallEnd != nil:
		h.calls.drop(conn.ID(), payload.CallEnd.FromID)
		return h.pushJSON(conn, MsgTypeCallEnd, payload.CallEnd)
	}
	return nil
}

func (h *Handler) pushJSON(conn *connection.Connection, msgType uint16, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Send(EncodeFrame(msgType, data))
}

// ============== 连接生命周期 ==============

// OnDisconnect 连接断开收尾:注销在线位置,给通话对端补发挂断
// 传输层断连等价于显式挂断,对端不能留半开会话
func (h *Handler) OnDisconnect(ctx context.Context, conn *connection.Connection) {
	peers := h.calls.drainConn(conn.ID())
	for peerID, sessionID := range peers {
		end := &proto.CallEnd{
			FromID:    conn.UserID(),
			TargetID:  peerID,
			SessionID: sessionID,
		}
		h.fanoutCall(ctx, peerID, &proto.DownstreamPayload{CallEnd: end})
	}

	if conn.UserID() > 0 {
		if err := h.redisClient.UnregisterLocation(ctx, conn.UserID(), conn.Platform()); err != nil {
			h.logger.Warn("Failed to unregister location",
				"userId", conn.UserID(), "error", err)
		}
	}

	h.logger.Info("Connection closed",
		"connId", conn.ID(),
		"userId", conn.UserID(),
		"activeCalls", len(peers))
}

func (h *Handler) sendResponse(stream webtransport.Stream, msgType uint16, body []byte) {
	if _, err := stream.Write(EncodeFrame(msgType, body)); err != nil {
		h.logger.Debug("Failed to write response", "msgType", msgType, "error", err)
	}
}

func (h *Handler) sendError(stream webtransport.Stream, err error) {
	push := proto.ErrorPush{Code: apperrors.GetCode(err), Message: apperrors.GetMessage(err)}
	data, _ := json.Marshal(push)
	h.sendResponse(stream, MsgTypeError, data)
}
