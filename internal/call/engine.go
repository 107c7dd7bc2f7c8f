package call

import (
	"context"
	"log/slog"
	"sync"

	"sudooom.fans.relay/internal/model"
	"sudooom.fans.relay/internal/proto"
	"sudooom.fans.relay/internal/timer"
	apperrors "sudooom.fans.relay/pkg/errors"
)

// DefaultOfferTimeout 协商超时秒数
const DefaultOfferTimeout = 30

// PeerTransport 底层点对点媒体层
// 连通性建立由它负责,引擎只路由 offer/answer/候选
type PeerTransport interface {
	// CreateOffer 生成本端 offer 描述
	CreateOffer(ctx context.Context) (string, error)
	// CreateAnswer 应用远端 offer 并生成 answer 描述
	CreateAnswer(ctx context.Context, remoteSDP string) (string, error)
	// AcceptAnswer 应用远端 answer 描述
	AcceptAnswer(ctx context.Context, remoteSDP string) error
	// AddICECandidate 添加远端 ICE 候选
	AddICECandidate(ctx context.Context, c model.Candidate) error
}

// Signaler 信令通道,offer/answer/候选/挂断都走它转发给对端
type Signaler interface {
	SendOffer(ctx context.Context, offer *proto.CallOffer) error
	SendAnswer(ctx context.Context, answer *proto.CallAnswer) error
	SendCandidate(ctx context.Context, cand *proto.CallCandidate) error
	SendEnd(ctx context.Context, end *proto.CallEnd) error
}

// StateHandler 会话状态变更回调,用于驱动 UI
type StateHandler func(peerID int64, sessionID string, state State)

// EngineConfig 引擎配置
type EngineConfig struct {
	SelfID       int64 // 本端用户ID
	OfferTimeout int   // 协商超时秒数,<=0 取默认30秒
	BufferCap    int   // 每会话候选缓冲容量,<=0 取默认50
}

// Engine 通话协商引擎
// 每个在线客户端一个实例;每个有序 (本端, 对端) 同时只允许一个活动会话。
// 终态会话保留在表里直到被新会话替换,晚到的候选因此能静默丢弃
type Engine struct {
	selfID       int64
	offerTimeout int
	bufferCap    int

	transport PeerTransport
	signaler  Signaler
	sched     *timer.Scheduler // 可为 nil (不启用超时)
	onState   StateHandler
	logger    *slog.Logger

	mu       sync.Mutex
	sessions map[int64]*Session          // peerID -> 会话
	pending  map[int64]*CandidateBuffer  // peerID -> 会话建立前到达的候选
}

// NewEngine 创建协商引擎
func NewEngine(cfg EngineConfig, transport PeerTransport, signaler Signaler, sched *timer.Scheduler) *Engine {
	if cfg.OfferTimeout <= 0 {
		cfg.OfferTimeout = DefaultOfferTimeout
	}
	if cfg.BufferCap <= 0 {
		cfg.BufferCap = DefaultBufferCap
	}
	return &Engine{
		selfID:       cfg.SelfID,
		offerTimeout: cfg.OfferTimeout,
		bufferCap:    cfg.BufferCap,
		transport:    transport,
		signaler:     signaler,
		sched:        sched,
		logger:       slog.Default(),
		sessions:     make(map[int64]*Session),
		pending:      make(map[int64]*CandidateBuffer),
	}
}

// SetStateHandler 设置状态变更回调
func (e *Engine) SetStateHandler(fn StateHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onState = fn
}

// transition 查表转移状态并触发回调,调用方需持锁
func (e *Engine) transition(sess *Session, ev Event) bool {
	next, ok := NextState(sess.State, ev)
	if !ok {
		e.logger.Warn("非法状态转移",
			"sessionId", sess.ID,
			"peerId", sess.PeerID,
			"state", sess.State.String(),
			"event", ev.String())
		return false
	}
	sess.State = next
	if e.onState != nil {
		e.onState(sess.PeerID, sess.ID, next)
	}
	return true
}

// Dial 向对端发起呼叫
func (e *Engine) Dial(ctx context.Context, targetID int64) (*Session, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.sessions[targetID]; ok && !old.State.Terminal() {
		return nil, apperrors.ErrCallInProgress
	}

	sess := newSession(e.selfID, targetID, true, e.bufferCap)
	if !e.transition(sess, EventDial) {
		return nil, apperrors.ErrServerError
	}

	sdp, err := e.transport.CreateOffer(ctx)
	if err != nil {
		return nil, apperrors.ErrServerError.Wrap(err)
	}
	sess.LocalSDP = sdp
	e.sessions[targetID] = sess

	if err := e.signaler.SendOffer(ctx, &proto.CallOffer{
		FromID:    e.selfID,
		TargetID:  targetID,
		SessionID: sess.ID,
		SDP:       sdp,
	}); err != nil {
		sess.Err = err
		e.transition(sess, EventError)
		return nil, err
	}

	e.armTimeout(sess)

	e.logger.Info("发起呼叫", "sessionId", sess.ID, "targetId", targetID)
	return sess, nil
}

// HandleOffer 处理对端 offer
// 双方同时互发 offer (glare) 时,用户ID较小的一方胜出:
// 胜方忽略对端 offer,负方放弃自己的 offer 改为应答
func (e *Engine) HandleOffer(ctx context.Context, offer *proto.CallOffer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if old, ok := e.sessions[offer.FromID]; ok && !old.State.Terminal() {
		if old.State == StateOffering && old.Initiator {
			if e.selfID < offer.FromID {
				// 本端胜出,对端会放弃自己的 offer 来应答
				e.logger.Info("并发呼叫,本端胜出,忽略对端 offer",
					"sessionId", old.ID, "peerId", offer.FromID)
				return nil
			}
			// 本端落败,放弃自己的 offer
			e.logger.Info("并发呼叫,本端落败,改为应答",
				"sessionId", old.ID, "peerId", offer.FromID)
			e.disarmTimeout(old)
			e.transition(old, EventEnd)
		} else {
			// 与该对端已有进行中的通话,拒接新 offer
			_ = e.signaler.SendEnd(ctx, &proto.CallEnd{
				FromID:    e.selfID,
				TargetID:  offer.FromID,
				SessionID: offer.SessionID,
			})
			return apperrors.ErrCallInProgress
		}
	}

	sess := newSession(e.selfID, offer.FromID, false, e.bufferCap)
	sess.PeerSessionID = offer.SessionID
	sess.RemoteSDP = offer.SDP
	if !e.transition(sess, EventRecvOffer) {
		return apperrors.ErrServerError
	}

	sdp, err := e.transport.CreateAnswer(ctx, offer.SDP)
	if err != nil {
		sess.Err = err
		e.transition(sess, EventError)
		e.sessions[offer.FromID] = sess
		return apperrors.ErrServerError.Wrap(err)
	}
	sess.LocalSDP = sdp
	e.sessions[offer.FromID] = sess

	// 会话建立前到达的候选,此刻已有远端描述,全部补投
	e.drainPendingLocked(ctx, sess)

	if err := e.signaler.SendAnswer(ctx, &proto.CallAnswer{
		FromID:        e.selfID,
		TargetID:      offer.FromID,
		SessionID:     sess.ID,
		PeerSessionID: offer.SessionID,
		SDP:           sdp,
	}); err != nil {
		sess.Err = err
		e.transition(sess, EventError)
		return err
	}

	e.logger.Info("应答呼叫", "sessionId", sess.ID, "peerId", offer.FromID)
	return nil
}

// HandleAnswer 处理对端 answer
func (e *Engine) HandleAnswer(ctx context.Context, answer *proto.CallAnswer) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[answer.FromID]
	if !ok || sess.State.Terminal() || !sess.Initiator {
		// 会话已不在了,晚到的 answer 静默丢弃
		return nil
	}
	if answer.PeerSessionID != "" && answer.PeerSessionID != sess.ID {
		// 针对旧会话的 answer
		return nil
	}

	if err := e.transport.AcceptAnswer(ctx, answer.SDP); err != nil {
		return apperrors.ErrServerError.Wrap(err)
	}

	e.disarmTimeout(sess)
	sess.RemoteSDP = answer.SDP
	sess.PeerSessionID = answer.SessionID
	if !e.transition(sess, EventRecvAnswer) {
		return nil
	}

	// 等待期间缓冲的候选,现在有远端描述了,按到达顺序补投
	e.drainBufferLocked(ctx, sess)

	e.logger.Info("呼叫接通", "sessionId", sess.ID, "peerId", answer.FromID)
	return nil
}

// HandleCandidate 处理对端 ICE 候选
// 会话尚未建立时先缓冲;会话已是终态时静默丢弃 (网络层事件在挂断后还会持续一会)
func (e *Engine) HandleCandidate(ctx context.Context, cand *proto.CallCandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[cand.FromID]
	if !ok {
		buf, exists := e.pending[cand.FromID]
		if !exists {
			buf = NewCandidateBuffer(e.bufferCap)
			e.pending[cand.FromID] = buf
		}
		buf.Enqueue(cand.Candidate)
		return nil
	}

	if sess.State.Terminal() {
		return nil
	}

	switch sess.State {
	case StateAnswering, StateConnected:
		return e.transport.AddICECandidate(ctx, cand.Candidate)
	default:
		// 还没有远端描述,先缓冲
		sess.Buffer.Enqueue(cand.Candidate)
		return nil
	}
}

// SendLocalCandidate 把本端媒体层产生的候选转发给对端
func (e *Engine) SendLocalCandidate(ctx context.Context, peerID int64, c model.Candidate) error {
	e.mu.Lock()
	sess, ok := e.sessions[peerID]
	if !ok || sess.State.Terminal() {
		e.mu.Unlock()
		return apperrors.ErrCallSessionNotFound
	}
	sessionID := sess.ID
	e.mu.Unlock()

	return e.signaler.SendCandidate(ctx, &proto.CallCandidate{
		FromID:    e.selfID,
		TargetID:  peerID,
		SessionID: sessionID,
		Candidate: c,
	})
}

// MarkConnected 媒体层上报连通性建立完成 (应答方由此进入 connected)
func (e *Engine) MarkConnected(ctx context.Context, peerID int64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[peerID]
	if !ok || sess.State != StateAnswering {
		return
	}
	if e.transition(sess, EventMediaUp) {
		e.drainBufferLocked(ctx, sess)
	}
}

// Hangup 本端挂断,对已结束的会话是幂等空操作
func (e *Engine) Hangup(ctx context.Context, peerID int64) error {
	e.mu.Lock()

	sess, ok := e.sessions[peerID]
	if !ok || sess.State.Terminal() {
		e.mu.Unlock()
		return nil
	}

	e.disarmTimeout(sess)
	e.transition(sess, EventEnd)
	sessionID := sess.ID
	delete(e.pending, peerID)
	e.mu.Unlock()

	// 对端的镜像会话必须显式通知关闭,不能留孤儿
	e.logger.Info("挂断呼叫", "sessionId", sessionID, "peerId", peerID)
	return e.signaler.SendEnd(ctx, &proto.CallEnd{
		FromID:    e.selfID,
		TargetID:  peerID,
		SessionID: sessionID,
	})
}

// HandleEnd 处理对端挂断,幂等
func (e *Engine) HandleEnd(ctx context.Context, end *proto.CallEnd) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[end.FromID]
	if !ok || sess.State.Terminal() {
		return
	}

	e.disarmTimeout(sess)
	e.transition(sess, EventEnd)
	delete(e.pending, end.FromID)

	e.logger.Info("对端挂断", "sessionId", sess.ID, "peerId", end.FromID)
}

// CloseAll 关闭全部活动会话并逐一通知对端 (本端连接断开时调用)
func (e *Engine) CloseAll(ctx context.Context) {
	e.mu.Lock()
	var closing []*Session
	for _, sess := range e.sessions {
		if sess.State.Terminal() {
			continue
		}
		e.disarmTimeout(sess)
		e.transition(sess, EventEnd)
		closing = append(closing, sess)
	}
	e.pending = make(map[int64]*CandidateBuffer)
	e.mu.Unlock()

	for _, sess := range closing {
		_ = e.signaler.SendEnd(ctx, &proto.CallEnd{
			FromID:    e.selfID,
			TargetID:  sess.PeerID,
			SessionID: sess.ID,
		})
	}
}

// SessionState 查询与某对端的当前会话状态
func (e *Engine) SessionState(peerID int64) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[peerID]
	if !ok {
		return StateIdle, false
	}
	return sess.State, true
}

// SessionError 查询与某对端会话进入 failed 态的原因,协商超时返回 ErrNegotiationTimeout
func (e *Engine) SessionError(peerID int64) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sess, ok := e.sessions[peerID]
	if !ok {
		return nil
	}
	return sess.Err
}

// armTimeout 启动协商超时定时器,调用方需持锁
func (e *Engine) armTimeout(sess *Session) {
	if e.sched == nil {
		return
	}
	peerID := sess.PeerID
	sessionID := sess.ID
	t := timer.NewTimer(sess.timerID(), sessionID, e.offerTimeout,
		func(ctx context.Context, key string) error {
			e.handleTimeout(ctx, peerID, key)
			return nil
		})
	if err := e.sched.Add(t); err != nil {
		e.logger.Warn("协商超时定时器注册失败", "sessionId", sessionID, "error", err)
	}
}

// disarmTimeout 取消协商超时定时器,调用方需持锁
func (e *Engine) disarmTimeout(sess *Session) {
	if e.sched == nil {
		return
	}
	e.sched.Remove(sess.timerID())
}

// handleTimeout 协商超时:会话转 failed,通知对端释放镜像会话
func (e *Engine) handleTimeout(ctx context.Context, peerID int64, sessionID string) {
	e.mu.Lock()

	sess, ok := e.sessions[peerID]
	if !ok || sess.ID != sessionID || sess.State != StateOffering {
		e.mu.Unlock()
		return
	}

	sess.Err = apperrors.ErrNegotiationTimeout
	e.transition(sess, EventTimeout)
	delete(e.pending, peerID)
	e.mu.Unlock()

	e.logger.Warn("呼叫协商超时", "sessionId", sessionID, "peerId", peerID)
	_ = e.signaler.SendEnd(ctx, &proto.CallEnd{
		FromID:    e.selfID,
		TargetID:  peerID,
		SessionID: sessionID,
	})
}

// drainBufferLocked 把会话缓冲的候选按序投给媒体层,调用方需持锁
func (e *Engine) drainBufferLocked(ctx context.Context, sess *Session) {
	for _, c := range sess.Buffer.Drain() {
		if err := e.transport.AddICECandidate(ctx, c); err != nil {
			e.logger.Warn("补投 ICE 候选失败", "sessionId", sess.ID, "error", err)
		}
	}
}

// drainPendingLocked 把会话建立前缓冲的候选投给媒体层,调用方需持锁
func (e *Engine) drainPendingLocked(ctx context.Context, sess *Session) {
	buf, ok := e.pending[sess.PeerID]
	if !ok {
		return
	}
	delete(e.pending, sess.PeerID)
	for _, c := range buf.Drain() {
		if err := e.transport.AddICECandidate(ctx, c); err != nil {
			e.logger.Warn("补投 ICE 候选失败", "sessionId", sess.ID, "error", err)
		}
	}
}
