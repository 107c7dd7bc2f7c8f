package notify

import "testing"

// TestOnMessageIncrementsUnread 测试后台消息累计未读
func TestOnMessageIncrementsUnread(t *testing.T) {
	a := NewAggregator()

	unread, alert := a.OnMessage(1, 101)
	if unread != 1 {
		t.Errorf("期望未读 = 1, 实际 = %d", unread)
	}
	if !alert {
		t.Error("期望后台消息触发声音提醒")
	}

	unread, _ = a.OnMessage(1, 102)
	if unread != 2 {
		t.Errorf("期望未读 = 2, 实际 = %d", unread)
	}

	// 不同会话独立计数
	unread, _ = a.OnMessage(2, 201)
	if unread != 1 {
		t.Errorf("期望会话2未读 = 1, 实际 = %d", unread)
	}

	if a.TotalUnread() != 3 {
		t.Errorf("期望未读总数 = 3, 实际 = %d", a.TotalUnread())
	}
}

// TestInViewMessageNotCounted 测试前台查看中的会话不计未读
func TestInViewMessageNotCounted(t *testing.T) {
	a := NewAggregator()
	a.OnFocus(true, 1, true)

	unread, alert := a.OnMessage(1, 101)
	if unread != 0 {
		t.Errorf("期望查看中会话未读 = 0, 实际 = %d", unread)
	}
	if alert {
		t.Error("期望前台不触发声音提醒")
	}
	if a.LastSeen(1) != 101 {
		t.Errorf("期望 lastSeen = 101, 实际 = %d", a.LastSeen(1))
	}

	// 前台但看的是别的会话:计未读,但不响铃
	unread, alert = a.OnMessage(2, 201)
	if unread != 1 {
		t.Errorf("期望未读 = 1, 实际 = %d", unread)
	}
	if alert {
		t.Error("期望前台期间压制声音提醒")
	}
}

// TestAudibleDisabled 测试关闭声音提醒
func TestAudibleDisabled(t *testing.T) {
	a := NewAggregator()
	a.OnFocus(false, 0, false)

	_, alert := a.OnMessage(1, 101)
	if alert {
		t.Error("期望关闭声音后不触发提醒")
	}
}

// TestOnReadClearsConversation 测试标记已读清零
func TestOnReadClearsConversation(t *testing.T) {
	a := NewAggregator()

	a.OnMessage(1, 101)
	a.OnMessage(1, 102)
	a.OnMessage(2, 201)

	a.OnRead(1, 102)

	if a.Unread(1) != 0 {
		t.Errorf("期望会话1未读 = 0, 实际 = %d", a.Unread(1))
	}
	if a.Unread(2) != 1 {
		t.Errorf("期望会话2未读 = 1, 实际 = %d", a.Unread(2))
	}
	if a.LastSeen(1) != 102 {
		t.Errorf("期望 lastSeen = 102, 实际 = %d", a.LastSeen(1))
	}

	// 重复已读是幂等的
	a.OnRead(1, 102)
	if a.Unread(1) != 0 {
		t.Errorf("期望重复已读后未读仍 = 0, 实际 = %d", a.Unread(1))
	}
}

// TestFocusGainZeroesAll 测试获得前台焦点全部清零
func TestFocusGainZeroesAll(t *testing.T) {
	a := NewAggregator()

	a.OnMessage(1, 101)
	a.OnMessage(2, 201)
	if a.TotalUnread() != 2 {
		t.Fatalf("期望未读总数 = 2, 实际 = %d", a.TotalUnread())
	}

	a.OnFocus(true, 0, true)

	if a.TotalUnread() != 0 {
		t.Errorf("期望前台后未读总数 = 0, 实际 = %d", a.TotalUnread())
	}

	// 回到后台重新计数
	a.OnFocus(false, 0, true)
	unread, alert := a.OnMessage(1, 103)
	if unread != 1 || !alert {
		t.Errorf("期望回后台后未读 = 1 且响铃, 实际 unread = %d alert = %v", unread, alert)
	}
}
