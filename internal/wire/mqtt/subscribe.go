package mqtt

import (
	"encoding/binary"

	"github.com/nilsen/cindermq/internal/topicfilter"
	"github.com/nilsen/cindermq/pkg/er"
)

// SubscribeFilter is one (topic filter, requested qos) entry in a
// SUBSCRIBE payload.
type SubscribeFilter struct {
	Topic string
	QoS   byte
}

// SubscribePacket is a parsed SUBSCRIBE frame.
type SubscribePacket struct {
	PacketID uint16
	Filters  []SubscribeFilter
}

func (sp *SubscribePacket) Parse(raw []byte) error {
	if len(raw) < 2 || Type(raw[0]) != SUBSCRIBE {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}
	if raw[0]&0x0F != 0x02 {
		return &er.Err{Context: "Subscribe, Fixed Header", Message: er.ErrInvalidSubscribeFlags}
	}

	remainingLength, rlBytes, err := ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+rlBytes+remainingLength {
		return &er.Err{Context: "Subscribe, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	offset := 1 + rlBytes

	if remainingLength < 6 {
		return &er.Err{Context: "Subscribe", Message: er.ErrInvalidSubscribePacket}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Subscribe, PacketID", Message: er.ErrMissingPacketID}
	}
	sp.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	if sp.PacketID == 0 {
		return &er.Err{Context: "Subscribe, PacketID", Message: er.ErrInvalidPacketID}
	}
	offset += 2

	for offset < len(raw) {
		topic, n, err := ParseString(raw[offset:])
		if err != nil {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrInvalidSubscribePacket}
		}
		offset += n
		if topic == "" {
			return &er.Err{Context: "Subscribe, Topic Filter", Message: er.ErrEmptyTopicFilter}
		}
		if err := topicfilter.Valid(topic); err != nil {
			return err
		}

		if offset >= len(raw) {
			return &er.Err{Context: "Subscribe, QoS", Message: er.ErrMissingQoSByte}
		}
		qosByte := raw[offset]
		qos := qosByte & 0x03
		if qos > 2 {
			return &er.Err{Context: "Subscribe, QoS", Message: er.ErrInvalidQoSLevel}
		}
		offset++

		sp.Filters = append(sp.Filters, SubscribeFilter{Topic: topic, QoS: qos})
	}

	if len(sp.Filters) == 0 {
		return &er.Err{Context: "Subscribe", Message: er.ErrNoTopicFilters}
	}
	return nil
}

// Encode serializes a SUBSCRIBE packet, used when the bridge manager
// installs a remote subscription.
func (sp *SubscribePacket) Encode() []byte {
	body := AppendUint16(nil, sp.PacketID)
	for _, f := range sp.Filters {
		body = AppendString(body, f.Topic)
		body = append(body, f.QoS)
	}
	out := []byte{byte(SUBSCRIBE) | 0x02}
	out = append(out, EncodeRemainingLength(len(body))...)
	return append(out, body...)
}
