package call

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sudooom.fans.relay/internal/model"
	"sudooom.fans.relay/internal/proto"
	"sudooom.fans.relay/internal/timer"
	apperrors "sudooom.fans.relay/pkg/errors"
)

func newTestScheduler(t *testing.T) *timer.Scheduler {
	s := timer.NewScheduler(2)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s
}

// fakeTransport 假媒体层,记录应用过的描述和候选
type fakeTransport struct {
	mu     sync.Mutex
	name   string
	remote string
	added  []model.Candidate
}

func (f *fakeTransport) CreateOffer(ctx context.Context) (string, error) {
	return "offer-sdp-" + f.name, nil
}

func (f *fakeTransport) CreateAnswer(ctx context.Context, remoteSDP string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = remoteSDP
	return "answer-sdp-" + f.name, nil
}

func (f *fakeTransport) AcceptAnswer(ctx context.Context, remoteSDP string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.remote = remoteSDP
	return nil
}

func (f *fakeTransport) AddICECandidate(ctx context.Context, c model.Candidate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.added = append(f.added, c)
	return nil
}

func (f *fakeTransport) candidates() []model.Candidate {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.Candidate, len(f.added))
	copy(out, f.added)
	return out
}

// routedSignal 路由器中排队的一条信令
type routedSignal struct {
	offer  *proto.CallOffer
	answer *proto.CallAnswer
	cand   *proto.CallCandidate
	end    *proto.CallEnd
}

// router 测试用信令路由器:先排队,pump 时按序投递
// 同步投递会在引擎锁上自死锁,排队也便于测试控制到达顺序
type router struct {
	mu      sync.Mutex
	engines map[int64]*Engine
	queue   []routedSignal
	ends    []*proto.CallEnd // 发出过的全部挂断信令
}

func newRouter() *router {
	return &router{engines: make(map[int64]*Engine)}
}

func (r *router) SendOffer(ctx context.Context, offer *proto.CallOffer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, routedSignal{offer: offer})
	return nil
}

func (r *router) SendAnswer(ctx context.Context, answer *proto.CallAnswer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, routedSignal{answer: answer})
	return nil
}

func (r *router) SendCandidate(ctx context.Context, cand *proto.CallCandidate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, routedSignal{cand: cand})
	return nil
}

func (r *router) SendEnd(ctx context.Context, end *proto.CallEnd) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queue = append(r.queue, routedSignal{end: end})
	r.ends = append(r.ends, end)
	return nil
}

// pump 投递队列中的全部信令,包括投递过程中新产生的
func (r *router) pump(ctx context.Context) {
	for {
		r.mu.Lock()
		if len(r.queue) == 0 {
			r.mu.Unlock()
			return
		}
		s := r.queue[0]
		r.queue = r.queue[1:]
		r.mu.Unlock()

		switch {
		case s.offer != nil:
			if e := r.engine(s.offer.TargetID); e != nil {
				_ = e.HandleOffer(ctx, s.offer)
			}
		case s.answer != nil:
			if e := r.engine(s.answer.TargetID); e != nil {
				_ = e.HandleAnswer(ctx, s.answer)
			}
		case s.cand != nil:
			if e := r.engine(s.cand.TargetID); e != nil {
				_ = e.HandleCandidate(ctx, s.cand)
			}
		case s.end != nil:
			if e := r.engine(s.end.TargetID); e != nil {
				e.HandleEnd(ctx, s.end)
			}
		}
	}
}

func (r *router) engine(userID int64) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[userID]
}

func (r *router) endCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ends)
}

// newPeer 创建接入路由器的引擎和假媒体层
func newPeer(r *router, userID int64) (*Engine, *fakeTransport) {
	tr := &fakeTransport{name: "peer"}
	e := NewEngine(EngineConfig{SelfID: userID}, tr, r, nil)
	r.mu.Lock()
	r.engines[userID] = e
	r.mu.Unlock()
	return e, tr
}

func TestDialAnswerFlow(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	alice, aliceTr := newPeer(r, 1001)
	bob, bobTr := newPeer(r, 2001)

	sess, err := alice.Dial(ctx, 2001)
	require.NoError(t, err)
	assert.Equal(t, StateOffering, sess.State)
	assert.True(t, sess.Initiator)

	r.pump(ctx)

	// 对端进入应答态,发起方收到 answer 后接通
	state, ok := bob.SessionState(1001)
	require.True(t, ok)
	assert.Equal(t, StateAnswering, state)

	state, ok = alice.SessionState(2001)
	require.True(t, ok)
	assert.Equal(t, StateConnected, state)

	// 双方都拿到了对端的会话描述
	assert.Equal(t, "offer-sdp-peer", bobTr.remote)
	assert.Equal(t, "answer-sdp-peer", aliceTr.remote)

	// 应答方媒体建立后也接通
	bob.MarkConnected(ctx, 1001)
	state, _ = bob.SessionState(1001)
	assert.Equal(t, StateConnected, state)
}

func TestDialWhileActiveFails(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	alice, _ := newPeer(r, 1001)
	newPeer(r, 2001)

	_, err := alice.Dial(ctx, 2001)
	require.NoError(t, err)

	_, err = alice.Dial(ctx, 2001)
	assert.True(t, apperrors.Is(err, apperrors.ErrCallInProgress))
}

func TestCandidatesBufferedWhileOffering(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	alice, aliceTr := newPeer(r, 1001)
	newPeer(r, 2001)

	sess, err := alice.Dial(ctx, 2001)
	require.NoError(t, err)

	// answer 还没回来,对端候选直接打到发起方:应缓冲不应用
	for i := 1; i <= 3; i++ {
		err := alice.HandleCandidate(ctx, &proto.CallCandidate{
			FromID: 2001, TargetID: 1001, Candidate: cand(i),
		})
		require.NoError(t, err)
	}
	assert.Empty(t, aliceTr.candidates())
	assert.Equal(t, 3, sess.Buffer.Len())

	// answer 到达后按到达顺序一次性补投
	r.pump(ctx)
	got := aliceTr.candidates()
	require.Len(t, got, 3)
	assert.Equal(t, cand(1), got[0])
	assert.Equal(t, cand(2), got[1])
	assert.Equal(t, cand(3), got[2])
	assert.Equal(t, 0, sess.Buffer.Len())
}

func TestEarlyCandidateBeforeSession(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	alice, _ := newPeer(r, 1001)
	bob, bobTr := newPeer(r, 2001)

	// offer 还没到,候选先到:暂存而不是丢弃
	err := bob.HandleCandidate(ctx, &proto.CallCandidate{
		FromID: 1001, TargetID: 2001, Candidate: cand(1),
	})
	require.NoError(t, err)
	assert.Empty(t, bobTr.candidates())

	_, err = alice.Dial(ctx, 2001)
	require.NoError(t, err)
	r.pump(ctx)

	// 会话建立 (有了远端描述) 后补投
	got := bobTr.candidates()
	require.Len(t, got, 1)
	assert.Equal(t, cand(1), got[0])
}

func TestLateCandidateAfterCloseDiscarded(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	alice, aliceTr := newPeer(r, 1001)
	newPeer(r, 2001)

	_, err := alice.Dial(ctx, 2001)
	require.NoError(t, err)
	r.pump(ctx)
	require.NoError(t, alice.Hangup(ctx, 2001))

	// 网络层事件在挂断后还会持续一会,静默丢弃不报错
	before := len(aliceTr.candidates())
	err = alice.HandleCandidate(ctx, &proto.CallCandidate{
		FromID: 2001, TargetID: 1001, Candidate: cand(9),
	})
	require.NoError(t, err)
	assert.Len(t, aliceTr.candidates(), before)
}

func TestGlareSmallerIDWins(t *testing.T) {
	// 两种投递顺序都必须收敛到同一结果
	for _, name := range []string{"alice-first", "bob-first"} {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			r := newRouter()
			alice, _ := newPeer(r, 1001)
			bob, _ := newPeer(r, 2001)

			if name == "alice-first" {
				_, err := alice.Dial(ctx, 2001)
				require.NoError(t, err)
				_, err = bob.Dial(ctx, 1001)
				require.NoError(t, err)
			} else {
				_, err := bob.Dial(ctx, 1001)
				require.NoError(t, err)
				_, err = alice.Dial(ctx, 2001)
				require.NoError(t, err)
			}

			r.pump(ctx)

			// ID 较小的 1001 胜出:它的 offer 存活并接通,
			// 2001 放弃自己的 offer 转为应答方
			state, ok := alice.SessionState(2001)
			require.True(t, ok)
			assert.Equal(t, StateConnected, state)

			state, ok = bob.SessionState(1001)
			require.True(t, ok)
			assert.Equal(t, StateAnswering, state)
		})
	}
}

func TestHangupPropagatesAndIsIdempotent(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	alice, _ := newPeer(r, 1001)
	bob, _ := newPeer(r, 2001)

	_, err := alice.Dial(ctx, 2001)
	require.NoError(t, err)
	r.pump(ctx)

	require.NoError(t, alice.Hangup(ctx, 2001))
	r.pump(ctx)

	// 对端镜像会话必须一并关闭,不留孤儿
	state, _ := alice.SessionState(2001)
	assert.Equal(t, StateClosed, state)
	state, _ = bob.SessionState(1001)
	assert.Equal(t, StateClosed, state)

	// 重复挂断是幂等空操作
	endsBefore := r.endCount()
	require.NoError(t, alice.Hangup(ctx, 2001))
	assert.Equal(t, endsBefore, r.endCount())

	// 对已关闭会话再收到挂断也是空操作
	bob.HandleEnd(ctx, &proto.CallEnd{FromID: 1001, TargetID: 2001})
}

func TestStateHandlerNotified(t *testing.T) {
	record := func(e *Engine) func() []State {
		var mu sync.Mutex
		var states []State
		e.SetStateHandler(func(peerID int64, sessionID string, s State) {
			mu.Lock()
			defer mu.Unlock()
			states = append(states, s)
		})
		return func() []State {
			mu.Lock()
			defer mu.Unlock()
			return states
		}
	}

	t.Run("dial-answer-hangup", func(t *testing.T) {
		ctx := context.Background()
		r := newRouter()
		alice, _ := newPeer(r, 1001)
		newPeer(r, 2001)
		states := record(alice)

		_, err := alice.Dial(ctx, 2001)
		require.NoError(t, err)
		r.pump(ctx)
		require.NoError(t, alice.Hangup(ctx, 2001))

		assert.Equal(t, []State{StateOffering, StateConnected, StateClosed}, states())
	})

	t.Run("glare-loser", func(t *testing.T) {
		ctx := context.Background()
		r := newRouter()
		alice, _ := newPeer(r, 1001)
		bob, _ := newPeer(r, 2001)
		states := record(bob)

		_, err := alice.Dial(ctx, 2001)
		require.NoError(t, err)
		_, err = bob.Dial(ctx, 1001)
		require.NoError(t, err)
		r.pump(ctx)

		// 落败方被放弃的 offer 也必须通知关闭,UI 才能收起去电界面
		assert.Equal(t, []State{StateOffering, StateClosed, StateAnswering}, states())
	})
}

func TestOfferTimeout(t *testing.T) {
	ctx := context.Background()
	r := newRouter()

	sched := newTestScheduler(t)
	tr := &fakeTransport{name: "peer"}
	alice := NewEngine(EngineConfig{SelfID: 1001, OfferTimeout: 1}, tr, r, sched)
	r.mu.Lock()
	r.engines[1001] = alice
	r.mu.Unlock()

	// 目标 2001 不在线,offer 无人应答
	_, err := alice.Dial(ctx, 2001)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		state, _ := alice.SessionState(2001)
		return state == StateFailed
	}, 4*time.Second, 100*time.Millisecond, "期望协商超时后转 failed")

	// 失败原因可查,区分超时和其他失败
	assert.True(t, apperrors.Is(alice.SessionError(2001), apperrors.ErrNegotiationTimeout))

	// 对端被通知释放镜像会话
	assert.Equal(t, 1, r.endCount())
}

func TestAnswerCancelsTimeout(t *testing.T) {
	ctx := context.Background()
	r := newRouter()

	sched := newTestScheduler(t)
	tr := &fakeTransport{name: "peer"}
	alice := NewEngine(EngineConfig{SelfID: 1001, OfferTimeout: 1}, tr, r, sched)
	r.mu.Lock()
	r.engines[1001] = alice
	r.mu.Unlock()
	newPeer(r, 2001)

	_, err := alice.Dial(ctx, 2001)
	require.NoError(t, err)
	r.pump(ctx)

	state, _ := alice.SessionState(2001)
	require.Equal(t, StateConnected, state)

	// 超时窗口过后状态不得被定时器改写
	time.Sleep(2500 * time.Millisecond)
	state, _ = alice.SessionState(2001)
	assert.Equal(t, StateConnected, state)
}

func TestCloseAll(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	alice, _ := newPeer(r, 1001)
	bob, _ := newPeer(r, 2001)
	carol, _ := newPeer(r, 3001)

	_, err := alice.Dial(ctx, 2001)
	require.NoError(t, err)
	_, err = alice.Dial(ctx, 3001)
	require.NoError(t, err)
	r.pump(ctx)

	// 本端断连,全部活动会话关闭并通知各对端
	alice.CloseAll(ctx)
	r.pump(ctx)

	state, _ := bob.SessionState(1001)
	assert.Equal(t, StateClosed, state)
	state, _ = carol.SessionState(1001)
	assert.Equal(t, StateClosed, state)
}

func TestSecondOfferFromSamePeerRejected(t *testing.T) {
	ctx := context.Background()
	r := newRouter()
	alice, _ := newPeer(r, 1001)
	newPeer(r, 2001)

	_, err := alice.Dial(ctx, 2001)
	require.NoError(t, err)
	r.pump(ctx)

	// 已接通,同一对端又发来新 offer:拒接并回挂断
	endsBefore := r.endCount()
	err = alice.HandleOffer(ctx, &proto.CallOffer{
		FromID: 2001, TargetID: 1001, SessionID: "stale", SDP: "x",
	})
	assert.True(t, apperrors.Is(err, apperrors.ErrCallInProgress))
	assert.Equal(t, endsBefore+1, r.endCount())
}
