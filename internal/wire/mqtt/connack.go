package mqtt

import "github.com/nilsen/cindermq/pkg/er"

// CONNACK return codes, per the OASIS MQTT v3.1.1 spec.
const (
	ConnectionAccepted          byte = 0x00
	UnacceptableProtocolVersion byte = 0x01
	IdentifierRejected          byte = 0x02
	ServerUnavailable           byte = 0x03
	BadUsernameOrPassword       byte = 0x04
	NotAuthorized               byte = 0x05
)

// ConnackPacket is the server's response to CONNECT.
type ConnackPacket struct {
	SessionPresent bool
	ReturnCode     byte
}

// Encode serializes a CONNACK packet.
func (p *ConnackPacket) Encode() []byte {
	flags := byte(0)
	if p.SessionPresent {
		flags = 0x01
	}
	return []byte{byte(CONNACK), 0x02, flags, p.ReturnCode}
}

func (p *ConnackPacket) Parse(raw []byte) error {
	if len(raw) != 4 || Type(raw[0]) != CONNACK || raw[1] != 0x02 {
		return &er.Err{Context: "Connack", Message: er.ErrBadPacket}
	}
	p.SessionPresent = raw[2]&0x01 != 0
	p.ReturnCode = raw[3]
	return nil
}

// NewConnack builds a CONNACK with the given session-present flag and
// return code.
func NewConnack(sessionPresent bool, returnCode byte) *ConnackPacket {
	return &ConnackPacket{SessionPresent: sessionPresent, ReturnCode: returnCode}
}
