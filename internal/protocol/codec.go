package protocol

import (
	"encoding/binary"
	"fmt"
	"io"
)

const (
	HeaderSize = 6 // 4 bytes length + 2 bytes msg type

	// MaxFrameSize 单帧上限,防御异常客户端
	MaxFrameSize = 1 << 20

	// 连接管理
	MsgTypeHeartbeat uint16 = 0
	MsgTypeAuth      uint16 = 1
	MsgTypeAuthAck   uint16 = 2

	// 消息
	MsgTypeMessageSend   uint16 = 10
	MsgTypeMessageAck    uint16 = 11
	MsgTypeMessageNew    uint16 = 12
	MsgTypeMessageRead   uint16 = 13
	MsgTypeMessageStatus uint16 = 14
	MsgTypeFocus         uint16 = 15
	MsgTypeError         uint16 = 16

	// 通话信令
	MsgTypeCallOffer     uint16 = 20
	MsgTypeCallAnswer    uint16 = 21
	MsgTypeCallCandidate uint16 = 22
	MsgTypeCallEnd       uint16 = 23
)

// EncodeFrame 构造二进制帧: 4字节大端长度 + 2字节消息类型 + JSON 体
func EncodeFrame(msgType uint16, body []byte) []byte {
	frame := make([]byte, HeaderSize+len(body))
	binary.BigEndian.PutUint32(frame[:4], uint32(len(body)))
	binary.BigEndian.PutUint16(frame[4:6], msgType)
	copy(frame[HeaderSize:], body)
	return frame
}

// ReadFrame 从流读取一帧
func ReadFrame(r io.Reader) (uint16, []byte, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, err
	}

	length := binary.BigEndian.Uint32(header[:4])
	msgType := binary.BigEndian.Uint16(header[4:6])

	if length > MaxFrameSize {
		return 0, nil, fmt.Errorf("frame too large: %d", length)
	}
	if length == 0 {
		return msgType, nil, nil
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return 0, nil, err
	}
	return msgType, body, nil
}
