package model

// Candidate ICE 候选，网络穿透路径描述
// 负载对中继不透明，原样转发给对端
type Candidate struct {
	Candidate     string `json:"candidate"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex"`
}
