package call

// State 通话会话状态
type State int

const (
	StateIdle      State = iota // 空闲
	StateOffering               // 已发出 offer,等待应答
	StateAnswering              // 已应答,等待媒体通道建立
	StateConnected              // 媒体通道已建立
	StateClosed                 // 已结束
	StateFailed                 // 协商失败 (超时等)
)

// String 状态名
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateOffering:
		return "offering"
	case StateAnswering:
		return "answering"
	case StateConnected:
		return "connected"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal 是否终态
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Event 状态机事件
type Event int

const (
	EventDial       Event = iota // 本端发起呼叫
	EventRecvOffer               // 收到对端 offer
	EventRecvAnswer              // 收到对端 answer
	EventMediaUp                 // 底层媒体通道建立完成
	EventEnd                     // 任一方挂断/断连
	EventTimeout                 // 协商超时
	EventError                   // 信令或媒体层失败
)

// String 事件名
func (e Event) String() string {
	switch e {
	case EventDial:
		return "dial"
	case EventRecvOffer:
		return "recvOffer"
	case EventRecvAnswer:
		return "recvAnswer"
	case EventMediaUp:
		return "mediaUp"
	case EventEnd:
		return "end"
	case EventTimeout:
		return "timeout"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// transitions 状态转移表 (状态 x 事件 -> 下一状态)
// 并发 offer (glare) 的裁决不在表内,由引擎在进表前处理
var transitions = map[State]map[Event]State{
	StateIdle: {
		EventDial:      StateOffering,
		EventRecvOffer: StateAnswering,
	},
	StateOffering: {
		EventRecvAnswer: StateConnected,
		EventEnd:        StateClosed,
		EventTimeout:    StateFailed,
		EventError:      StateFailed,
	},
	StateAnswering: {
		EventMediaUp: StateConnected,
		EventEnd:     StateClosed,
		EventTimeout: StateFailed,
		EventError:   StateFailed,
	},
	StateConnected: {
		EventEnd: StateClosed,
	},
}

// NextState 查状态转移表,不合法的转移返回 false
func NextState(from State, ev Event) (State, bool) {
	evs, ok := transitions[from]
	if !ok {
		return from, false
	}
	next, ok := evs[ev]
	return next, ok
}
