package mqttsn

import (
	"github.com/lithammer/shortuuid"

	"github.com/nilsen/cindermq/pkg/er"
)

// AdvertisePacket announces a gateway's presence and duty cycle.
type AdvertisePacket struct {
	GwID     byte
	Duration uint16
}

func (p *AdvertisePacket) parse(b []byte) error {
	if len(b) != 3 {
		return &er.Err{Context: "mqttsn.Advertise", Message: er.ErrShortSNFrame}
	}
	p.GwID = b[0]
	p.Duration = be16(b[1:3])
	return nil
}

func (p *AdvertisePacket) Encode() []byte {
	return Frame(append([]byte{byte(ADVERTISE), p.GwID}, put16(p.Duration)...))
}

// SearchGwPacket is a client's broadcast request for nearby gateways.
type SearchGwPacket struct {
	Radius byte
}

func (p *SearchGwPacket) parse(b []byte) error {
	if len(b) != 1 {
		return &er.Err{Context: "mqttsn.SearchGw", Message: er.ErrShortSNFrame}
	}
	p.Radius = b[0]
	return nil
}

func (p *SearchGwPacket) Encode() []byte {
	return Frame([]byte{byte(SEARCHGW), p.Radius})
}

// GwInfoPacket answers SEARCHGW with a gateway id and optional address.
type GwInfoPacket struct {
	GwID    byte
	GwAddr  []byte
}

func (p *GwInfoPacket) parse(b []byte) error {
	if len(b) < 1 {
		return &er.Err{Context: "mqttsn.GwInfo", Message: er.ErrShortSNFrame}
	}
	p.GwID = b[0]
	p.GwAddr = append([]byte(nil), b[1:]...)
	return nil
}

func (p *GwInfoPacket) Encode() []byte {
	body := append([]byte{byte(GWINFO), p.GwID}, p.GwAddr...)
	return Frame(body)
}

// ConnectPacket is the MQTT-SN CONNECT message: flags, protocol id,
// duration (keepalive), client id.
type ConnectPacket struct {
	Will         bool
	CleanSession bool
	Duration     uint16
	ClientID     string
}

func (p *ConnectPacket) parse(b []byte) error {
	if len(b) < 4 {
		return &er.Err{Context: "mqttsn.Connect", Message: er.ErrShortSNFrame}
	}
	flags := b[0]
	p.Will = flags&0x08 != 0
	p.CleanSession = flags&0x04 != 0
	if b[1] != ProtocolID {
		return &er.Err{Context: "mqttsn.Connect", Message: er.ErrUnsupportedProtocolLevel}
	}
	p.Duration = be16(b[2:4])
	p.ClientID = string(b[4:])
	if p.ClientID == "" {
		if !p.CleanSession {
			return &er.Err{Context: "mqttsn.Connect", Message: er.ErrEmptyAndCleanSessionClientID}
		}
		// MQTT-SN's 1-byte length framing leaves little budget for a
		// client id; shortuuid's base57 encoding is far shorter than a
		// standard UUID string, so it's used here instead of the MQTT
		// CONNECT codec's uuid.NewString().
		p.ClientID = shortuuid.New()
	}
	return nil
}

func (p *ConnectPacket) Encode() []byte {
	var flags byte
	if p.Will {
		flags |= 0x08
	}
	if p.CleanSession {
		flags |= 0x04
	}
	body := []byte{byte(CONNECT), flags, ProtocolID}
	body = append(body, put16(p.Duration)...)
	body = append(body, p.ClientID...)
	return Frame(body)
}

// ConnackPacket carries a single return code.
type ConnackPacket struct {
	ReturnCode byte
}

func (p *ConnackPacket) parse(b []byte) error {
	if len(b) != 1 {
		return &er.Err{Context: "mqttsn.Connack", Message: er.ErrShortSNFrame}
	}
	p.ReturnCode = b[0]
	return nil
}

func (p *ConnackPacket) Encode() []byte {
	return Frame([]byte{byte(CONNACK), p.ReturnCode})
}

// WillTopicPacket carries the will topic and its QoS/retain flags.
type WillTopicPacket struct {
	QoS    byte
	Retain bool
	Topic  string
}

func (p *WillTopicPacket) parse(b []byte) error {
	if len(b) < 1 {
		return &er.Err{Context: "mqttsn.WillTopic", Message: er.ErrShortSNFrame}
	}
	flags := b[0]
	p.QoS = (flags & 0x60) >> 5
	p.Retain = flags&0x10 != 0
	p.Topic = string(b[1:])
	return nil
}

func (p *WillTopicPacket) Encode() []byte {
	flags := p.QoS << 5
	if p.Retain {
		flags |= 0x10
	}
	body := append([]byte{byte(WILLTOPIC), flags}, p.Topic...)
	return Frame(body)
}

// WillMsgPacket carries the will payload.
type WillMsgPacket struct {
	Message string
}

func (p *WillMsgPacket) Encode() []byte {
	return Frame(append([]byte{byte(WILLMSG)}, p.Message...))
}

// RegisterPacket registers a topic name to a topic id.
type RegisterPacket struct {
	TopicID uint16 // 0 when sent by the client requesting a new id
	MsgID   uint16
	Topic   string
}

func (p *RegisterPacket) parse(b []byte) error {
	if len(b) < 4 {
		return &er.Err{Context: "mqttsn.Register", Message: er.ErrShortSNFrame}
	}
	p.TopicID = be16(b[0:2])
	p.MsgID = be16(b[2:4])
	p.Topic = string(b[4:])
	return nil
}

func (p *RegisterPacket) Encode() []byte {
	body := []byte{byte(REGISTER)}
	body = append(body, put16(p.TopicID)...)
	body = append(body, put16(p.MsgID)...)
	body = append(body, p.Topic...)
	return Frame(body)
}

// RegAckPacket acknowledges a REGISTER.
type RegAckPacket struct {
	TopicID    uint16
	MsgID      uint16
	ReturnCode byte
}

func (p *RegAckPacket) parse(b []byte) error {
	if len(b) != 5 {
		return &er.Err{Context: "mqttsn.RegAck", Message: er.ErrShortSNFrame}
	}
	p.TopicID = be16(b[0:2])
	p.MsgID = be16(b[2:4])
	p.ReturnCode = b[4]
	return nil
}

func (p *RegAckPacket) Encode() []byte {
	body := []byte{byte(REGACK)}
	body = append(body, put16(p.TopicID)...)
	body = append(body, put16(p.MsgID)...)
	body = append(body, p.ReturnCode)
	return Frame(body)
}

// PublishPacket is the MQTT-SN PUBLISH message. QoS 3 marks an anonymous
// one-shot publish outside any connection, per the open question in the
// broker's design notes: when TopicIDType is NORMAL and QoS==3, TopicID
// is re-purposed as a topic length rather than a registered id, and this
// is preserved bit-for-bit rather than extended.
type PublishPacket struct {
	TopicIDType TopicIDType
	Dup         bool
	QoS         byte
	Retain      bool
	TopicID     uint16
	MsgID       uint16
	Payload     []byte
}

func (p *PublishPacket) parse(b []byte) error {
	if len(b) < 5 {
		return &er.Err{Context: "mqttsn.Publish", Message: er.ErrShortSNFrame}
	}
	flags := b[0]
	p.Dup = flags&0x80 != 0
	p.QoS = (flags & 0x60) >> 5
	p.Retain = flags&0x10 != 0
	p.TopicIDType = TopicIDType(flags & 0x03)
	p.TopicID = be16(b[1:3])
	p.MsgID = be16(b[3:5])
	p.Payload = append([]byte(nil), b[5:]...)
	return nil
}

func (p *PublishPacket) Encode() []byte {
	flags := p.TopicIDType & 0x03
	if p.Dup {
		flags |= 0x80
	}
	flags |= TopicIDType(p.QoS) << 5
	if p.Retain {
		flags |= 0x10
	}
	body := []byte{byte(PUBLISH), byte(flags)}
	body = append(body, put16(p.TopicID)...)
	body = append(body, put16(p.MsgID)...)
	body = append(body, p.Payload...)
	return Frame(body)
}

// PubAckPacket acknowledges a QoS 1/2 PUBLISH.
type PubAckPacket struct {
	TopicID    uint16
	MsgID      uint16
	ReturnCode byte
}

func (p *PubAckPacket) parse(b []byte) error {
	if len(b) != 5 {
		return &er.Err{Context: "mqttsn.PubAck", Message: er.ErrShortSNFrame}
	}
	p.TopicID = be16(b[0:2])
	p.MsgID = be16(b[2:4])
	p.ReturnCode = b[4]
	return nil
}

func (p *PubAckPacket) Encode() []byte {
	body := []byte{byte(PUBACK)}
	body = append(body, put16(p.TopicID)...)
	body = append(body, put16(p.MsgID)...)
	body = append(body, p.ReturnCode)
	return Frame(body)
}

// EncodeMsgID encodes the shared PUBREC/PUBREL/PUBCOMP/UNSUBACK shape.
func EncodeMsgID(t MsgType, msgID uint16) []byte {
	return Frame(append([]byte{byte(t)}, put16(msgID)...))
}

// SubscribePacket is shared by SUBSCRIBE and UNSUBSCRIBE: flags, msg id,
// and either a topic name, a 2-byte predefined topic id, or a 2-byte
// short topic name depending on TopicIDType.
type SubscribePacket struct {
	Dup         bool
	QoS         byte
	TopicIDType TopicIDType
	MsgID       uint16
	Topic       string // set when TopicIDType is NORMAL or SHORT
	TopicID     uint16 // set when TopicIDType is PREDEFINED
}

func (p *SubscribePacket) parse(b []byte) error {
	if len(b) < 3 {
		return &er.Err{Context: "mqttsn.Subscribe", Message: er.ErrShortSNFrame}
	}
	flags := b[0]
	p.Dup = flags&0x80 != 0
	p.QoS = (flags & 0x60) >> 5
	p.TopicIDType = TopicIDType(flags & 0x03)
	p.MsgID = be16(b[1:3])
	rest := b[3:]
	switch p.TopicIDType {
	case TopicPredefined:
		if len(rest) != 2 {
			return &er.Err{Context: "mqttsn.Subscribe", Message: er.ErrInvalidSNTopicIDType}
		}
		p.TopicID = be16(rest)
	default:
		p.Topic = string(rest)
	}
	return nil
}

func (p *SubscribePacket) Encode(msgType MsgType) []byte {
	flags := p.TopicIDType & 0x03
	if p.Dup {
		flags |= 0x80
	}
	flags |= TopicIDType(p.QoS) << 5
	body := []byte{byte(msgType), byte(flags)}
	body = append(body, put16(p.MsgID)...)
	if p.TopicIDType == TopicPredefined {
		body = append(body, put16(p.TopicID)...)
	} else {
		body = append(body, p.Topic...)
	}
	return Frame(body)
}

// SubAckPacket acknowledges SUBSCRIBE with a granted QoS, topic id and
// return code.
type SubAckPacket struct {
	QoS        byte
	TopicID    uint16
	MsgID      uint16
	ReturnCode byte
}

func (p *SubAckPacket) parse(b []byte) error {
	if len(b) != 6 {
		return &er.Err{Context: "mqttsn.SubAck", Message: er.ErrShortSNFrame}
	}
	p.QoS = (b[0] & 0x60) >> 5
	p.TopicID = be16(b[1:3])
	p.MsgID = be16(b[3:5])
	p.ReturnCode = b[5]
	return nil
}

func (p *SubAckPacket) Encode() []byte {
	body := []byte{byte(SUBACK), p.QoS << 5}
	body = append(body, put16(p.TopicID)...)
	body = append(body, put16(p.MsgID)...)
	body = append(body, p.ReturnCode)
	return Frame(body)
}

// PingReqPacket optionally carries the client id (used by a sleeping
// client waking its gateway).
type PingReqPacket struct {
	ClientID string
}

func (p *PingReqPacket) Encode() []byte {
	return Frame(append([]byte{byte(PINGREQ)}, p.ClientID...))
}

// DisconnectPacket optionally carries a sleep duration.
type DisconnectPacket struct {
	Duration uint16
	HasSleep bool
}

func (p *DisconnectPacket) parse(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	if len(b) != 2 {
		return &er.Err{Context: "mqttsn.Disconnect", Message: er.ErrShortSNFrame}
	}
	p.HasSleep = true
	p.Duration = be16(b)
	return nil
}

func (p *DisconnectPacket) Encode() []byte {
	body := []byte{byte(DISCONNECT)}
	if p.HasSleep {
		body = append(body, put16(p.Duration)...)
	}
	return Frame(body)
}
