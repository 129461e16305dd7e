package relay

import (
	"errors"
	"fmt"

	proto "github.com/gogo/protobuf/proto"

	bsproto "github.com/tendermint/bloomsync/proto/bloomsync"
)

// DefaultMaxFrameBytes bounds the encoded size of a single frame.
const DefaultMaxFrameBytes = 32768

// ErrPayloadTooLarge is returned by Publish for a payload that cannot fit in
// a frame on its own.
var ErrPayloadTooLarge = errors.New("payload exceeds maximum frame size")

type message struct {
	topic   string
	payload []byte
}

func encodeFrame(f *bsproto.Frame) ([]byte, error) {
	return proto.Marshal(f)
}

func decodeFrame(data []byte) (*bsproto.Frame, error) {
	f := new(bsproto.Frame)
	if err := proto.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("malformed frame: %w", err)
	}
	return f, nil
}

// publishOverhead is the encoded size of a PUBLISH frame for topic that
// carries no payloads.
func publishOverhead(topic string, fingerprint uint64) int {
	return proto.Size(&bsproto.Frame{
		Type:        bsproto.FrameType_FRAME_TYPE_PUBLISH,
		Topic:       topic,
		Fingerprint: fingerprint,
	})
}

// packFrames groups consecutive messages with the same topic into PUBLISH
// frames whose encoded size does not exceed maxBytes. Message order is
// preserved. A message too large to fit even alone gets a frame of its own;
// Publish rejects those before they are queued.
func packFrames(fingerprint uint64, msgs []message, maxBytes int) []*bsproto.Frame {
	var (
		frames []*bsproto.Frame
		cur    *bsproto.Frame
		size   int
	)
	for _, msg := range msgs {
		n := bsproto.PayloadOverhead(len(msg.payload))
		if cur == nil || cur.Topic != msg.topic || size+n > maxBytes {
			cur = &bsproto.Frame{
				Type:        bsproto.FrameType_FRAME_TYPE_PUBLISH,
				Topic:       msg.topic,
				Fingerprint: fingerprint,
			}
			size = publishOverhead(msg.topic, fingerprint)
			frames = append(frames, cur)
		}
		cur.Payloads = append(cur.Payloads, msg.payload)
		size += n
	}
	return frames
}
