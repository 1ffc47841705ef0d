// Package mqtt implements the MQTT v3.1.1 wire codec: fixed-header framing
// with the 1-4 byte base-128 remaining-length encoding, and parse/encode
// pairs for every packet type the broker's protocol state machine drives.
// Grounded in the teacher's internal/packet package, consolidated into one
// table-driven Parse entry point and extended with the private protocol
// names (MQIsdp/PRIVATE_VERSION, MQIpdp v2) the bridge manager needs for
// no-local behavior.
package mqtt

import "github.com/nilsen/cindermq/pkg/er"

// PacketType is the MQTT fixed-header control packet type, already
// shifted into its high nibble position.
type PacketType byte

const (
	CONNECT     PacketType = 0x10
	CONNACK     PacketType = 0x20
	PUBLISH     PacketType = 0x30
	PUBACK      PacketType = 0x40
	PUBREC      PacketType = 0x50
	PUBREL      PacketType = 0x60
	PUBCOMP     PacketType = 0x70
	SUBSCRIBE   PacketType = 0x80
	SUBACK      PacketType = 0x90
	UNSUBSCRIBE PacketType = 0xA0
	UNSUBACK    PacketType = 0xB0
	PINGREQ     PacketType = 0xC0
	PINGRESP    PacketType = 0xD0
	DISCONNECT  PacketType = 0xE0
)

// Protocol names the CONNECT variable header may carry. MQIsdp with
// PrivateVersion is the bridge's private no-local protocol; MQIpdp v2 is
// accepted for back-compat with older bridges.
const (
	ProtocolNameV311  = "MQTT"
	ProtocolLevelV311 = 4

	ProtocolNamePrivate  = "MQIsdp"
	ProtocolLevelPrivate = 0x03

	ProtocolNameV2  = "MQIpdp"
	ProtocolLevelV2 = 0x02
)

// Type extracts the packet type from a fixed-header first byte.
func Type(b byte) PacketType {
	return PacketType(b & 0xF0)
}

// ParsedPacket is the result of parsing one frame: exactly one of the
// typed fields is non-nil, matching Type.
type ParsedPacket struct {
	Type        PacketType
	Connect     *ConnectPacket
	Connack     *ConnackPacket
	Publish     *PublishPacket
	Puback      *AckPacket
	Pubrec      *AckPacket
	Pubrel      *AckPacket
	Pubcomp     *AckPacket
	Subscribe   *SubscribePacket
	Suback      *SubackPacket
	Unsubscribe *UnsubscribePacket
	Unsuback    *UnsubackPacket
	Pingreq     *PingreqPacket
	Pingresp    *PingrespPacket
	Disconnect  *DisconnectPacket
}

// Parse dispatches on the fixed-header packet type and parses the whole
// frame (fixed header through payload). raw must be exactly one frame,
// as already delimited by remaining-length accounting in the reader.
func Parse(raw []byte) (*ParsedPacket, error) {
	if len(raw) < 2 {
		return nil, &er.Err{Context: "mqtt.Parse", Message: er.ErrShortBuffer}
	}

	t := Type(raw[0])
	out := &ParsedPacket{Type: t}

	switch t {
	case CONNECT:
		p := &ConnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Connect = p
	case CONNACK:
		p := &ConnackPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Connack = p
	case PUBLISH:
		p := &PublishPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Publish = p
	case PUBACK:
		p, err := parseAck(raw, PUBACK)
		if err != nil {
			return nil, err
		}
		out.Puback = p
	case PUBREC:
		p, err := parseAck(raw, PUBREC)
		if err != nil {
			return nil, err
		}
		out.Pubrec = p
	case PUBREL:
		p, err := parseAck(raw, PUBREL)
		if err != nil {
			return nil, err
		}
		out.Pubrel = p
	case PUBCOMP:
		p, err := parseAck(raw, PUBCOMP)
		if err != nil {
			return nil, err
		}
		out.Pubcomp = p
	case SUBSCRIBE:
		p := &SubscribePacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Subscribe = p
	case SUBACK:
		p := &SubackPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Suback = p
	case UNSUBSCRIBE:
		p := &UnsubscribePacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Unsubscribe = p
	case UNSUBACK:
		p := &UnsubackPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Unsuback = p
	case PINGREQ:
		p := &PingreqPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Pingreq = p
	case PINGRESP:
		p := &PingrespPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Pingresp = p
	case DISCONNECT:
		p := &DisconnectPacket{}
		if err := p.Parse(raw); err != nil {
			return nil, err
		}
		out.Disconnect = p
	default:
		return nil, &er.Err{Context: "mqtt.Parse", Message: er.ErrInvalidPacketType}
	}

	return out, nil
}
