package call

import (
	"time"

	"github.com/google/uuid"
)

// Session 一次通话尝试的本端会话
// 双方各持有自己的 Session,通过 PeerSessionID 弱引用对端会话,
// 状态同步只走信令消息,不共享内存
type Session struct {
	ID            string           // 本端会话ID
	SelfID        int64            // 本端用户ID
	PeerID        int64            // 对端用户ID
	Initiator     bool             // 本端是否发起方
	State         State            // 当前状态
	PeerSessionID string           // 对端会话ID (收到 offer/answer 后填充)
	LocalSDP      string           // 本端会话描述
	RemoteSDP     string           // 对端会话描述
	Buffer        *CandidateBuffer // 本会话的 ICE 候选缓冲
	Err           error            // 进入 failed 态的原因
	CreatedAt     time.Time        // 创建时间
}

// newSession 创建本端会话
func newSession(selfID, peerID int64, initiator bool, bufferCap int) *Session {
	return &Session{
		ID:        uuid.NewString(),
		SelfID:    selfID,
		PeerID:    peerID,
		Initiator: initiator,
		State:     StateIdle,
		Buffer:    NewCandidateBuffer(bufferCap),
		CreatedAt: time.Now(),
	}
}

// timerID 协商超时定时器ID
func (s *Session) timerID() string {
	return "call:offer:" + s.ID
}
