package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"sudooom.fans.relay/internal/model"
	"sudooom.fans.relay/internal/proto"
	"sudooom.fans.relay/internal/store"
	apperrors "sudooom.fans.relay/pkg/errors"
	"sudooom.fans.relay/pkg/snowflake"
)

// fakeBlocks 内存拉黑表
type fakeBlocks struct {
	pairs map[string]bool
}

func (f *fakeBlocks) block(a, b int64) {
	if f.pairs == nil {
		f.pairs = make(map[string]bool)
	}
	lo, hi := model.CanonicalPair(a, b)
	f.pairs[fmt.Sprintf("%d:%d", lo, hi)] = true
}

func (f *fakeBlocks) IsBlocked(ctx context.Context, userA, userB int64) (bool, error) {
	lo, hi := model.CanonicalPair(userA, userB)
	return f.pairs[fmt.Sprintf("%d:%d", lo, hi)], nil
}

// fakeLocator 内存在线位置表
type fakeLocator struct {
	locs map[int64][]*model.Location
}

func (f *fakeLocator) online(userID, connID int64) {
	if f.locs == nil {
		f.locs = make(map[int64][]*model.Location)
	}
	f.locs[userID] = append(f.locs[userID], &model.Location{
		UserID: userID, NodeID: "node-1", ConnID: connID, Platform: "ios",
	})
}

func (f *fakeLocator) Locations(ctx context.Context, userID int64) ([]*model.Location, error) {
	return f.locs[userID], nil
}

// fakeRelay 记录投递,可按连接ID注入失败
type fakeRelay struct {
	mu        sync.Mutex
	delivered []*proto.DownstreamPayload
	failConns map[int64]bool
}

func (f *fakeRelay) Deliver(ctx context.Context, loc *model.Location, payload *proto.DownstreamPayload) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failConns[loc.ConnID] {
		return fmt.Errorf("connection %d gone", loc.ConnID)
	}
	f.delivered = append(f.delivered, payload)
	return nil
}

func (f *fakeRelay) messages() []*proto.MessageNew {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*proto.MessageNew
	for _, p := range f.delivered {
		if p.MessageNew != nil {
			out = append(out, p.MessageNew)
		}
	}
	return out
}

func (f *fakeRelay) statusUpdates() []*proto.MessageStatusUpdate {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*proto.MessageStatusUpdate
	for _, p := range f.delivered {
		if p.MessageStatus != nil {
			out = append(out, p.MessageStatus)
		}
	}
	return out
}

type testEnv struct {
	svc     *Service
	mem     *store.MemoryStore
	blocks  *fakeBlocks
	locator *fakeLocator
	relay   *fakeRelay
}

func newTestEnv(t *testing.T) *testEnv {
	node, err := snowflake.NewNode(1)
	if err != nil {
		t.Fatalf("创建雪花节点失败: %v", err)
	}
	mem := store.NewMemoryStore()
	env := &testEnv{
		mem:     mem,
		blocks:  &fakeBlocks{},
		locator: &fakeLocator{},
		relay:   &fakeRelay{},
	}
	env.svc = NewService(mem, mem, env.blocks, env.locator, env.relay, node)
	return env
}

func TestSend_EmptyBodyRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Send(context.Background(), 1001, 0, &proto.MessageSend{RecipientID: 2001})
	if !apperrors.Is(err, apperrors.ErrInvalidPayload) {
		t.Errorf("期望 ErrInvalidPayload, 实际 = %v", err)
	}
}

func TestSend_SelfMessageRejected(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Send(context.Background(), 1001, 0, &proto.MessageSend{
		RecipientID: 1001, Text: "hi",
	})
	if !apperrors.Is(err, apperrors.ErrSelfMessage) {
		t.Errorf("期望 ErrSelfMessage, 实际 = %v", err)
	}
}

func TestSend_BlockedNeverCreatesMessage(t *testing.T) {
	env := newTestEnv(t)
	env.blocks.block(2001, 1001)

	_, err := env.svc.Send(context.Background(), 1001, 0, &proto.MessageSend{
		RecipientID: 2001, Text: "hi",
	})
	if !apperrors.Is(err, apperrors.ErrBlocked) {
		t.Fatalf("期望 ErrBlocked, 实际 = %v", err)
	}

	// 被拦截的消息连会话都不应创建
	if _, err := env.mem.Find(context.Background(), 1); !apperrors.Is(err, apperrors.ErrConversationNotFound) {
		t.Error("期望拦截后不创建会话")
	}
}

func TestSend_OfflineStaysSent(t *testing.T) {
	env := newTestEnv(t)

	msg, err := env.svc.Send(context.Background(), 1001, 0, &proto.MessageSend{
		RecipientID: 2001, Text: "hi",
	})
	if err != nil {
		t.Fatalf("Send 失败: %v", err)
	}

	// 对端离线:不是错误,停在 sent 等补读
	if msg.Status != model.StatusSent {
		t.Errorf("期望状态 sent, 实际 = %s", msg.Status)
	}
	if len(env.relay.messages()) != 0 {
		t.Errorf("期望无在线投递, 实际 = %d", len(env.relay.messages()))
	}
}

func TestSend_OnlineMarkedDelivered(t *testing.T) {
	env := newTestEnv(t)
	env.locator.online(2001, 21)

	msg, err := env.svc.Send(context.Background(), 1001, 0, &proto.MessageSend{
		RecipientID: 2001, Text: "hi", Media: []string{"media/123.jpg"},
	})
	if err != nil {
		t.Fatalf("Send 失败: %v", err)
	}

	if msg.Status != model.StatusDelivered {
		t.Errorf("期望状态 delivered, 实际 = %s", msg.Status)
	}

	pushed := env.relay.messages()
	if len(pushed) != 1 {
		t.Fatalf("期望投递1条, 实际 = %d", len(pushed))
	}
	if pushed[0].Message.ID != msg.ID {
		t.Errorf("期望投递消息 %d, 实际 = %d", msg.ID, pushed[0].Message.ID)
	}
}

func TestSend_MultiDeviceFanout(t *testing.T) {
	env := newTestEnv(t)
	env.locator.online(2001, 21)
	env.locator.online(2001, 22)
	env.relay.failConns = map[int64]bool{21: true}

	// 一台设备投失败,另一台成功:仍然算 delivered
	msg, err := env.svc.Send(context.Background(), 1001, 0, &proto.MessageSend{
		RecipientID: 2001, Text: "hi",
	})
	if err != nil {
		t.Fatalf("Send 失败: %v", err)
	}
	if msg.Status != model.StatusDelivered {
		t.Errorf("期望状态 delivered, 实际 = %s", msg.Status)
	}
	if len(env.relay.messages()) != 1 {
		t.Errorf("期望成功投递1条, 实际 = %d", len(env.relay.messages()))
	}
}

func TestSend_DeliveredStatusPushedToSender(t *testing.T) {
	env := newTestEnv(t)
	env.locator.online(1001, 11)
	env.locator.online(2001, 21)

	msg, err := env.svc.Send(context.Background(), 1001, 0, &proto.MessageSend{
		RecipientID: 2001, Text: "hi",
	})
	if err != nil {
		t.Fatalf("Send 失败: %v", err)
	}

	updates := env.relay.statusUpdates()
	if len(updates) != 1 {
		t.Fatalf("期望1条状态推送, 实际 = %d", len(updates))
	}
	if updates[0].MessageID != msg.ID || updates[0].Status != model.StatusDelivered {
		t.Errorf("期望消息 %d 状态 delivered, 实际 = %d %s",
			msg.ID, updates[0].MessageID, updates[0].Status)
	}
}

// TestOfflineCatchUp 离线补读场景:
// A 给离线的 B 发消息 -> sent;B 上线打开会话 -> read,B 的未读 1 -> 0
func TestOfflineCatchUp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.svc.Send(ctx, 1001, 0, &proto.MessageSend{RecipientID: 2001, Text: "hi"})
	if err != nil {
		t.Fatalf("Send 失败: %v", err)
	}
	if msg.Status != model.StatusSent {
		t.Fatalf("期望状态 sent, 实际 = %s", msg.Status)
	}

	count, err := env.svc.UnreadCount(ctx, msg.ConversationID, 2001)
	if err != nil || count != 1 {
		t.Fatalf("期望未读 = 1, 实际 = %d (err = %v)", count, err)
	}

	// B 上线,A 也在线等回执
	env.locator.online(1001, 11)
	env.locator.online(2001, 21)

	if err := env.svc.MarkThreadRead(ctx, 2001, &proto.MessageRead{
		ConversationID: msg.ConversationID,
		UpToMessageID:  msg.ID,
	}); err != nil {
		t.Fatalf("MarkThreadRead 失败: %v", err)
	}

	count, _ = env.svc.UnreadCount(ctx, msg.ConversationID, 2001)
	if count != 0 {
		t.Errorf("期望未读 = 0, 实际 = %d", count)
	}

	// A 收到已读回执
	updates := env.relay.statusUpdates()
	if len(updates) != 1 {
		t.Fatalf("期望1条已读回执, 实际 = %d", len(updates))
	}
	if updates[0].Status != model.StatusRead || updates[0].MessageID != msg.ID {
		t.Errorf("期望已读回执到消息 %d, 实际 = %+v", msg.ID, updates[0])
	}
}

func TestSend_SenderOtherDevicesSynced(t *testing.T) {
	env := newTestEnv(t)
	env.locator.online(1001, 11)
	env.locator.online(1001, 12)

	// 对端离线:只有发送方另一台设备收到同步副本,发起连接自己不收
	msg, err := env.svc.Send(context.Background(), 1001, 11, &proto.MessageSend{
		RecipientID: 2001, Text: "hi",
	})
	if err != nil {
		t.Fatalf("Send 失败: %v", err)
	}
	if msg.Status != model.StatusSent {
		t.Errorf("期望状态 sent, 实际 = %s", msg.Status)
	}

	pushed := env.relay.messages()
	if len(pushed) != 1 {
		t.Fatalf("期望同步1条到其他设备, 实际 = %d", len(pushed))
	}
	if pushed[0].Message.ID != msg.ID {
		t.Errorf("期望同步消息 %d, 实际 = %d", msg.ID, pushed[0].Message.ID)
	}
}

func TestMarkThreadRead_NonMemberRejected(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	msg, err := env.svc.Send(ctx, 1001, 0, &proto.MessageSend{RecipientID: 2001, Text: "hi"})
	if err != nil {
		t.Fatalf("Send 失败: %v", err)
	}

	err = env.svc.MarkThreadRead(ctx, 3001, &proto.MessageRead{
		ConversationID: msg.ConversationID,
		UpToMessageID:  msg.ID,
	})
	if !apperrors.Is(err, apperrors.ErrConversationNotFound) {
		t.Errorf("期望 ErrConversationNotFound, 实际 = %v", err)
	}
}

func TestHistory_MembershipAndOrder(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	var convID int64
	for i := 0; i < 3; i++ {
		msg, err := env.svc.Send(ctx, 1001, 0, &proto.MessageSend{RecipientID: 2001, Text: fmt.Sprintf("m%d", i)})
		if err != nil {
			t.Fatalf("Send 失败: %v", err)
		}
		convID = msg.ConversationID
	}

	msgs, _, err := env.svc.History(ctx, 2001, convID, "", 10)
	if err != nil {
		t.Fatalf("History 失败: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("期望3条, 实际 = %d", len(msgs))
	}
	// 最新在前
	if msgs[0].Body.Text != "m2" || msgs[2].Body.Text != "m0" {
		t.Errorf("期望倒序 [m2 m1 m0], 实际 = [%s %s %s]",
			msgs[0].Body.Text, msgs[1].Body.Text, msgs[2].Body.Text)
	}

	// 非成员不可见
	if _, _, err := env.svc.History(ctx, 3001, convID, "", 10); !apperrors.Is(err, apperrors.ErrConversationNotFound) {
		t.Errorf("期望 ErrConversationNotFound, 实际 = %v", err)
	}
}
