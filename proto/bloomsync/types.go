// Package bloomsync holds the protobuf messages exchanged between replicas
// and the relay. The schema lives in types.proto; the Go types carry the
// protobuf struct tags and are marshaled by gogo/protobuf through reflection.
package bloomsync

import (
	"fmt"

	proto "github.com/gogo/protobuf/proto"
)

type FrameType int32

const (
	FrameType_FRAME_TYPE_UNKNOWN     FrameType = 0
	FrameType_FRAME_TYPE_SUBSCRIBE   FrameType = 1
	FrameType_FRAME_TYPE_SUBSCRIBED  FrameType = 2
	FrameType_FRAME_TYPE_UNSUBSCRIBE FrameType = 3
	FrameType_FRAME_TYPE_PUBLISH     FrameType = 4
	FrameType_FRAME_TYPE_DELIVER     FrameType = 5
	FrameType_FRAME_TYPE_ERROR       FrameType = 6
)

var FrameType_name = map[int32]string{
	0: "FRAME_TYPE_UNKNOWN",
	1: "FRAME_TYPE_SUBSCRIBE",
	2: "FRAME_TYPE_SUBSCRIBED",
	3: "FRAME_TYPE_UNSUBSCRIBE",
	4: "FRAME_TYPE_PUBLISH",
	5: "FRAME_TYPE_DELIVER",
	6: "FRAME_TYPE_ERROR",
}

func (x FrameType) String() string {
	if s, ok := FrameType_name[int32(x)]; ok {
		return s
	}
	return fmt.Sprintf("FrameType(%d)", int32(x))
}

type ErrorCode int32

const (
	ErrorCode_ERROR_CODE_UNKNOWN           ErrorCode = 0
	ErrorCode_ERROR_CODE_SUBSCRIBE_REFUSED ErrorCode = 1
	ErrorCode_ERROR_CODE_PUBLISH_REFUSED   ErrorCode = 2
	ErrorCode_ERROR_CODE_MALFORMED_FRAME   ErrorCode = 3
	ErrorCode_ERROR_CODE_UNEXPECTED_FRAME  ErrorCode = 4
)

var ErrorCode_name = map[int32]string{
	0: "ERROR_CODE_UNKNOWN",
	1: "ERROR_CODE_SUBSCRIBE_REFUSED",
	2: "ERROR_CODE_PUBLISH_REFUSED",
	3: "ERROR_CODE_MALFORMED_FRAME",
	4: "ERROR_CODE_UNEXPECTED_FRAME",
}

func (x ErrorCode) String() string {
	if s, ok := ErrorCode_name[int32(x)]; ok {
		return s
	}
	return fmt.Sprintf("ErrorCode(%d)", int32(x))
}

// Update announces that Key was set on the replica Origin.
type Update struct {
	Key         []byte `protobuf:"bytes,1,opt,name=key,proto3" json:"key,omitempty"`
	Origin      string `protobuf:"bytes,2,opt,name=origin,proto3" json:"origin,omitempty"`
	Sequence    uint64 `protobuf:"varint,3,opt,name=sequence,proto3" json:"sequence,omitempty"`
	Fingerprint uint64 `protobuf:"varint,4,opt,name=fingerprint,proto3" json:"fingerprint,omitempty"`
}

func (m *Update) Reset()         { *m = Update{} }
func (m *Update) String() string { return proto.CompactTextString(m) }
func (*Update) ProtoMessage()    {}

func (m *Update) GetKey() []byte {
	if m != nil {
		return m.Key
	}
	return nil
}

func (m *Update) GetOrigin() string {
	if m != nil {
		return m.Origin
	}
	return ""
}

func (m *Update) GetSequence() uint64 {
	if m != nil {
		return m.Sequence
	}
	return 0
}

func (m *Update) GetFingerprint() uint64 {
	if m != nil {
		return m.Fingerprint
	}
	return 0
}

// Frame is the unit exchanged between relay clients and the relay.
type Frame struct {
	Type        FrameType `protobuf:"varint,1,opt,name=type,proto3" json:"type,omitempty"`
	Topic       string    `protobuf:"bytes,2,opt,name=topic,proto3" json:"topic,omitempty"`
	Payloads    [][]byte  `protobuf:"bytes,3,rep,name=payloads,proto3" json:"payloads,omitempty"`
	Fingerprint uint64    `protobuf:"varint,4,opt,name=fingerprint,proto3" json:"fingerprint,omitempty"`
	Error       string    `protobuf:"bytes,5,opt,name=error,proto3" json:"error,omitempty"`
	Client      string    `protobuf:"bytes,6,opt,name=client,proto3" json:"client,omitempty"`
	Code        ErrorCode `protobuf:"varint,7,opt,name=code,proto3" json:"code,omitempty"`
}

func (m *Frame) Reset()         { *m = Frame{} }
func (m *Frame) String() string { return proto.CompactTextString(m) }
func (*Frame) ProtoMessage()    {}

func (m *Frame) GetType() FrameType {
	if m != nil {
		return m.Type
	}
	return FrameType_FRAME_TYPE_UNKNOWN
}

func (m *Frame) GetTopic() string {
	if m != nil {
		return m.Topic
	}
	return ""
}

func (m *Frame) GetPayloads() [][]byte {
	if m != nil {
		return m.Payloads
	}
	return nil
}

func (m *Frame) GetFingerprint() uint64 {
	if m != nil {
		return m.Fingerprint
	}
	return 0
}

func (m *Frame) GetError() string {
	if m != nil {
		return m.Error
	}
	return ""
}

func (m *Frame) GetClient() string {
	if m != nil {
		return m.Client
	}
	return ""
}

func (m *Frame) GetCode() ErrorCode {
	if m != nil {
		return m.Code
	}
	return ErrorCode_ERROR_CODE_UNKNOWN
}

// PayloadOverhead is the number of bytes a payload of n bytes adds to an
// encoded Frame: the field tag, its varint length prefix and the payload.
func PayloadOverhead(n int) int {
	return 1 + proto.SizeVarint(uint64(n)) + n
}
