package mqtt

import (
	"encoding/binary"

	"github.com/nilsen/cindermq/internal/topicfilter"
	"github.com/nilsen/cindermq/pkg/er"
)

const MaxPayloadSize = maxRemainingLength

// PublishPacket is a parsed PUBLISH frame, either direction.
type PublishPacket struct {
	DUP    bool
	QoS    byte
	Retain bool

	Topic    string
	PacketID *uint16 // nil for QoS 0

	Payload []byte
}

func (pp *PublishPacket) Parse(raw []byte) error {
	if len(raw) < 2 || Type(raw[0]) != PUBLISH {
		return &er.Err{Context: "Publish", Message: er.ErrInvalidPublishPacket}
	}

	remainingLength, rlBytes, err := ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+rlBytes+remainingLength {
		return &er.Err{Context: "Publish, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	offset := 1 + rlBytes

	fixedHeader := raw[0]
	pp.DUP = fixedHeader&0x08 != 0
	pp.QoS = (fixedHeader & 0x06) >> 1
	pp.Retain = fixedHeader&0x01 != 0

	if pp.QoS > 2 {
		return &er.Err{Context: "Publish, QoS", Message: er.ErrInvalidQoSLevel}
	}
	if pp.DUP && pp.QoS == 0 {
		return &er.Err{Context: "Publish, DUP Flag", Message: er.ErrInvalidDUPFlag}
	}

	topic, n, err := ParseString(raw[offset:])
	if err != nil {
		return &er.Err{Context: "Publish, Topic", Message: er.ErrInvalidPublishPacket}
	}
	pp.Topic = topic
	offset += n

	if err := topicfilter.ValidName(pp.Topic); err != nil {
		return err
	}

	if pp.QoS != 0 {
		if offset+2 > len(raw) {
			return &er.Err{Context: "Publish, PacketID", Message: er.ErrMissingPacketID}
		}
		id := binary.BigEndian.Uint16(raw[offset : offset+2])
		if id == 0 {
			return &er.Err{Context: "Publish, PacketID", Message: er.ErrInvalidPacketID}
		}
		pp.PacketID = &id
		offset += 2
	}

	if offset < len(raw) {
		pp.Payload = append([]byte(nil), raw[offset:]...)
	}

	return nil
}

// Encode serializes a PUBLISH packet.
func (pp *PublishPacket) Encode() []byte {
	var vh []byte
	vh = AppendString(vh, pp.Topic)
	if pp.QoS != 0 && pp.PacketID != nil {
		vh = AppendUint16(vh, *pp.PacketID)
	}
	body := append(vh, pp.Payload...)

	fixedHeader := byte(PUBLISH)
	if pp.DUP {
		fixedHeader |= 0x08
	}
	fixedHeader |= pp.QoS << 1
	if pp.Retain {
		fixedHeader |= 0x01
	}

	out := []byte{fixedHeader}
	out = append(out, EncodeRemainingLength(len(body))...)
	return append(out, body...)
}
