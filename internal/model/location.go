package model

import "time"

// Location 用户连接位置：用户的某个平台连接挂在哪个中继节点上
type Location struct {
	UserID    int64     `json:"userId"`
	NodeID    string    `json:"nodeId"`
	ConnID    int64     `json:"connId"`
	Platform  string    `json:"platform"`
	DeviceID  string    `json:"deviceId"`
	LoginTime time.Time `json:"loginTime"`
}
