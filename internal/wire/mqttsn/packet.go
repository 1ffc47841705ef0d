// Package mqttsn implements the MQTT-SN wire codec used by the UDP
// listener: the 1-byte (or 0x01-escaped 16-bit) length framing, the
// forwarder-encapsulation frame, and the message types the MQTT-SN
// protocol state machine drives. There is no teacher equivalent in the
// retrieval pack for this half of the wire protocol; message types and
// framing are grounded directly in the MQTTSPacket.h layout from the
// reference C implementation, expressed the same way internal/wire/mqtt
// expresses the TCP codec.
package mqttsn

import "github.com/nilsen/cindermq/pkg/er"

// MsgType is the one-byte MQTT-SN message type, in the order defined by
// the MQTT-SN 1.2 specification.
type MsgType byte

const (
	ADVERTISE     MsgType = 0x00
	SEARCHGW      MsgType = 0x01
	GWINFO        MsgType = 0x02
	CONNECT       MsgType = 0x04
	CONNACK       MsgType = 0x05
	WILLTOPICREQ  MsgType = 0x06
	WILLTOPIC     MsgType = 0x07
	WILLMSGREQ    MsgType = 0x08
	WILLMSG       MsgType = 0x09
	REGISTER      MsgType = 0x0A
	REGACK        MsgType = 0x0B
	PUBLISH       MsgType = 0x0C
	PUBACK        MsgType = 0x0D
	PUBCOMP       MsgType = 0x0E
	PUBREC        MsgType = 0x0F
	PUBREL        MsgType = 0x10
	SUBSCRIBE     MsgType = 0x12
	SUBACK        MsgType = 0x13
	UNSUBSCRIBE   MsgType = 0x14
	UNSUBACK      MsgType = 0x15
	PINGREQ       MsgType = 0x16
	PINGRESP      MsgType = 0x17
	DISCONNECT    MsgType = 0x18
	WILLTOPICUPD  MsgType = 0x1A
	WILLTOPICRESP MsgType = 0x1B
	WILLMSGUPD    MsgType = 0x1C
	WILLMSGRESP   MsgType = 0x1D

	// FwdEncaps is not part of the MsgType enum proper; Decode rejects it,
	// and DecodeForwarder recognizes it by the message-type byte that
	// follows the outer frame's length field.
	FwdEncaps MsgType = 0xFE
)

// TopicIDType occupies the low two bits of a PUBLISH/SUBSCRIBE flags byte.
type TopicIDType byte

const (
	TopicNormal     TopicIDType = 0x00
	TopicPredefined TopicIDType = 0x01
	TopicShort      TopicIDType = 0x02
)

// Return codes shared by CONNACK, REGACK, SUBACK and PUBACK.
const (
	RCAccepted              byte = 0x00
	RCRejectedCongested     byte = 0x01
	RCRejectedInvalidTopic  byte = 0x02
	RCRejectedNotSupported  byte = 0x03
)

const ProtocolID byte = 0x01

// ParsedPacket is the result of decoding one frame: exactly one typed
// field is populated, matching Type.
type ParsedPacket struct {
	Type MsgType

	Advertise     *AdvertisePacket
	Searchgw      *SearchGwPacket
	Gwinfo        *GwInfoPacket
	Connect       *ConnectPacket
	Connack       *ConnackPacket
	Willtopicreq  *EmptyPacket
	Willtopic     *WillTopicPacket
	Willmsgreq    *EmptyPacket
	Willmsg       *WillMsgPacket
	Register      *RegisterPacket
	Regack        *RegAckPacket
	Publish       *PublishPacket
	Puback        *PubAckPacket
	Pubrec        *MsgIDPacket
	Pubrel        *MsgIDPacket
	Pubcomp       *MsgIDPacket
	Subscribe     *SubscribePacket
	Suback        *SubAckPacket
	Unsubscribe   *SubscribePacket
	Unsuback      *MsgIDPacket
	Pingreq       *PingReqPacket
	Pingresp      *EmptyPacket
	Disconnect    *DisconnectPacket
	Willtopicupd  *WillTopicPacket
	Willmsgupd    *WillMsgPacket
}

// EmptyPacket is used by message types that carry only the length+type
// header (WILLTOPICREQ, WILLMSGREQ, PINGRESP).
type EmptyPacket struct{}

// MsgIDPacket is the shape shared by PUBREC, PUBREL, PUBCOMP and UNSUBACK:
// length, type, 2-byte message id.
type MsgIDPacket struct {
	MsgID uint16
}

// Decode strips the frame's length prefix (1-byte, or the 0x01-escaped
// 16-bit form) and dispatches on message type. It does not handle
// forwarder-encapsulation frames; callers must call DecodeForwarder first
// when listening on a forwarder port.
func Decode(frame []byte) (*ParsedPacket, error) {
	body, err := stripLength(frame)
	if err != nil {
		return nil, err
	}
	if len(body) < 1 {
		return nil, &er.Err{Context: "mqttsn.Decode", Message: er.ErrShortSNFrame}
	}

	t := MsgType(body[0])
	out := &ParsedPacket{Type: t}
	payload := body[1:]

	switch t {
	case ADVERTISE:
		p := &AdvertisePacket{}
		err = p.parse(payload)
		out.Advertise = p
	case SEARCHGW:
		p := &SearchGwPacket{}
		err = p.parse(payload)
		out.Searchgw = p
	case GWINFO:
		p := &GwInfoPacket{}
		err = p.parse(payload)
		out.Gwinfo = p
	case CONNECT:
		p := &ConnectPacket{}
		err = p.parse(payload)
		out.Connect = p
	case CONNACK:
		p := &ConnackPacket{}
		err = p.parse(payload)
		out.Connack = p
	case WILLTOPICREQ:
		out.Willtopicreq = &EmptyPacket{}
	case WILLTOPIC:
		p := &WillTopicPacket{}
		err = p.parse(payload)
		out.Willtopic = p
	case WILLMSGREQ:
		out.Willmsgreq = &EmptyPacket{}
	case WILLMSG:
		out.Willmsg = &WillMsgPacket{Message: string(payload)}
	case REGISTER:
		p := &RegisterPacket{}
		err = p.parse(payload)
		out.Register = p
	case REGACK:
		p := &RegAckPacket{}
		err = p.parse(payload)
		out.Regack = p
	case PUBLISH:
		p := &PublishPacket{}
		err = p.parse(payload)
		out.Publish = p
	case PUBACK:
		p := &PubAckPacket{}
		err = p.parse(payload)
		out.Puback = p
	case PUBREC:
		p, e := parseMsgID(payload)
		err = e
		out.Pubrec = p
	case PUBREL:
		p, e := parseMsgID(payload)
		err = e
		out.Pubrel = p
	case PUBCOMP:
		p, e := parseMsgID(payload)
		err = e
		out.Pubcomp = p
	case SUBSCRIBE:
		p := &SubscribePacket{}
		err = p.parse(payload)
		out.Subscribe = p
	case SUBACK:
		p := &SubAckPacket{}
		err = p.parse(payload)
		out.Suback = p
	case UNSUBSCRIBE:
		p := &SubscribePacket{}
		err = p.parse(payload)
		out.Unsubscribe = p
	case UNSUBACK:
		p, e := parseMsgID(payload)
		err = e
		out.Unsuback = p
	case PINGREQ:
		out.Pingreq = &PingReqPacket{ClientID: string(payload)}
	case PINGRESP:
		out.Pingresp = &EmptyPacket{}
	case DISCONNECT:
		p := &DisconnectPacket{}
		err = p.parse(payload)
		out.Disconnect = p
	case WILLTOPICUPD:
		p := &WillTopicPacket{}
		err = p.parse(payload)
		out.Willtopicupd = p
	case WILLMSGUPD:
		out.Willmsgupd = &WillMsgPacket{Message: string(payload)}
	default:
		return nil, &er.Err{Context: "mqttsn.Decode", Message: er.ErrInvalidSNPacketType}
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

func parseMsgID(payload []byte) (*MsgIDPacket, error) {
	if len(payload) != 2 {
		return nil, &er.Err{Context: "mqttsn.parseMsgID", Message: er.ErrShortSNFrame}
	}
	return &MsgIDPacket{MsgID: be16(payload)}, nil
}
