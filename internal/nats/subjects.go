package nats

// 中继节点间的 NATS 主题
// 每个节点订阅自己的下行主题,跨节点投递按用户位置路由
const (
	subjectPrefix = "fans.relay."

	// SubjectBroadcast 全节点广播 (运维通告等)
	SubjectBroadcast = subjectPrefix + "broadcast"
)

// BuildDownstreamSubject 指定节点的下行主题
func BuildDownstreamSubject(nodeID string) string {
	return subjectPrefix + nodeID + ".downstream"
}
