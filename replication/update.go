package replication

import (
	"errors"

	proto "github.com/gogo/protobuf/proto"

	bsproto "github.com/tendermint/bloomsync/proto/bloomsync"
)

// Update is the event broadcast for every key set on a replica.
type Update struct {
	Key         string
	Origin      string
	Sequence    uint64
	Fingerprint uint64
}

// ValidateBasic performs stateless checks on the update.
func (u Update) ValidateBasic() error {
	if u.Origin == "" {
		return errors.New("missing origin")
	}
	if u.Sequence == 0 {
		return errors.New("sequence must be positive")
	}
	return nil
}

// ToProto converts the update to its wire representation.
func (u Update) ToProto() *bsproto.Update {
	return &bsproto.Update{
		Key:         []byte(u.Key),
		Origin:      u.Origin,
		Sequence:    u.Sequence,
		Fingerprint: u.Fingerprint,
	}
}

// UpdateFromProto converts and validates a wire update.
func UpdateFromProto(pb *bsproto.Update) (Update, error) {
	if pb == nil {
		return Update{}, errors.New("nil update")
	}
	u := Update{
		Key:         string(pb.GetKey()),
		Origin:      pb.GetOrigin(),
		Sequence:    pb.GetSequence(),
		Fingerprint: pb.GetFingerprint(),
	}
	return u, u.ValidateBasic()
}

// EncodeUpdate returns the protobuf encoding of u.
func EncodeUpdate(u Update) ([]byte, error) {
	if err := u.ValidateBasic(); err != nil {
		return nil, err
	}
	return proto.Marshal(u.ToProto())
}

// DecodeUpdate parses a payload received from a Channel. Any failure is
// returned as a *DecodeError.
func DecodeUpdate(payload []byte) (Update, error) {
	pb := new(bsproto.Update)
	if err := proto.Unmarshal(payload, pb); err != nil {
		return Update{}, &DecodeError{Err: err}
	}
	u, err := UpdateFromProto(pb)
	if err != nil {
		return Update{}, &DecodeError{Err: err}
	}
	return u, nil
}
