package mqtt

import (
	"encoding/binary"

	"github.com/nilsen/cindermq/internal/topicfilter"
	"github.com/nilsen/cindermq/pkg/er"
)

// UnsubscribePacket is a parsed UNSUBSCRIBE frame.
type UnsubscribePacket struct {
	PacketID     uint16
	TopicFilters []string
}

func (up *UnsubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 || Type(raw[0]) != UNSUBSCRIBE {
		return &er.Err{Context: "Unsubscribe", Message: er.ErrInvalidUnsubscribePacket}
	}
	if raw[0]&0x0F != 0x02 {
		return &er.Err{Context: "Unsubscribe, Fixed Header", Message: er.ErrInvalidUnsubscribeFlags}
	}

	remainingLength, rlBytes, err := ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+rlBytes+remainingLength {
		return &er.Err{Context: "Unsubscribe, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	offset := 1 + rlBytes

	if remainingLength < 4 {
		return &er.Err{Context: "Unsubscribe", Message: er.ErrInvalidUnsubscribePacket}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Unsubscribe, PacketID", Message: er.ErrMissingPacketID}
	}
	up.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	if up.PacketID == 0 {
		return &er.Err{Context: "Unsubscribe, PacketID", Message: er.ErrInvalidPacketID}
	}
	offset += 2

	for offset < len(raw) {
		topic, n, err := ParseString(raw[offset:])
		if err != nil {
			return &er.Err{Context: "Unsubscribe, Topic Filter", Message: er.ErrInvalidUnsubscribePacket}
		}
		offset += n
		if topic == "" {
			return &er.Err{Context: "Unsubscribe, Topic Filter", Message: er.ErrEmptyTopicFilter}
		}
		if err := topicfilter.Valid(topic); err != nil {
			return err
		}
		up.TopicFilters = append(up.TopicFilters, topic)
	}

	if len(up.TopicFilters) == 0 {
		return &er.Err{Context: "Unsubscribe", Message: er.ErrNoTopicFilters}
	}
	return nil
}

// Encode serializes an UNSUBSCRIBE packet.
func (up *UnsubscribePacket) Encode() []byte {
	body := AppendUint16(nil, up.PacketID)
	for _, f := range up.TopicFilters {
		body = AppendString(body, f)
	}
	out := []byte{byte(UNSUBSCRIBE) | 0x02}
	out = append(out, EncodeRemainingLength(len(body))...)
	return append(out, body...)
}
