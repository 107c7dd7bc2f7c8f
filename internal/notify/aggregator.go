package notify

import "sync"

// Aggregator 连接级未读/提醒状态
// 纯本地归约器:只消费喂进来的事件,不发起任何网络调用。
// 每个已连接客户端持有一个实例,不跨连接共享
type Aggregator struct {
	mu         sync.Mutex
	foreground bool            // 客户端是否前台
	viewing    int64           // 正在查看的会话ID,0表示没有
	audible    bool            // 是否允许声音提醒
	unread     map[int64]int   // conversationID -> 未读数
	lastSeen   map[int64]int64 // conversationID -> 最后看到的消息ID
}

// NewAggregator 创建聚合器,初始为后台、允许声音
func NewAggregator() *Aggregator {
	return &Aggregator{
		audible:  true,
		unread:   make(map[int64]int),
		lastSeen: make(map[int64]int64),
	}
}

// OnMessage 新消息投递事件
// 正在前台查看该会话时不计未读;前台期间一律压制声音提醒。
// 返回该会话最新未读数和是否触发提醒
func (a *Aggregator) OnMessage(conversationID, messageID int64) (unread int, alert bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	inView := a.foreground && a.viewing == conversationID
	if inView {
		a.lastSeen[conversationID] = messageID
	} else {
		a.unread[conversationID]++
	}

	return a.unread[conversationID], a.audible && !a.foreground
}

// OnRead 会话被标记已读
func (a *Aggregator) OnRead(conversationID, upToMessageID int64) {
	a.mu.Lock()
	defer a.mu.Unlock()

	delete(a.unread, conversationID)
	if upToMessageID > a.lastSeen[conversationID] {
		a.lastSeen[conversationID] = upToMessageID
	}
}

// OnFocus 前台/可见性变更
// 获得前台焦点时全部未读清零
func (a *Aggregator) OnFocus(foreground bool, viewingConversationID int64, audible bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.foreground = foreground
	a.viewing = viewingConversationID
	a.audible = audible

	if foreground {
		a.unread = make(map[int64]int)
	}
}

// Unread 某会话当前未读数
func (a *Aggregator) Unread(conversationID int64) int {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.unread[conversationID]
}

// TotalUnread 全部会话未读总数
func (a *Aggregator) TotalUnread() int {
	a.mu.Lock()
	defer a.mu.Unlock()

	total := 0
	for _, n := range a.unread {
		total += n
	}
	return total
}

// LastSeen 某会话最后看到的消息ID
func (a *Aggregator) LastSeen(conversationID int64) int64 {
	a.mu.Lock()
	defer a.mu.Unlock()

	return a.lastSeen[conversationID]
}
