package mqtt

import (
	"encoding/binary"

	"github.com/nilsen/cindermq/pkg/er"
)

// SUBACK return codes.
const (
	SubackMaxQoS0 byte = 0x00
	SubackMaxQoS1 byte = 0x01
	SubackMaxQoS2 byte = 0x02
	SubackFailure byte = 0x80
)

// SubackPacket is the server's response to SUBSCRIBE, one return code per
// requested filter in order.
type SubackPacket struct {
	PacketID    uint16
	ReturnCodes []byte
}

func (p *SubackPacket) Encode() []byte {
	body := AppendUint16(nil, p.PacketID)
	body = append(body, p.ReturnCodes...)
	out := []byte{byte(SUBACK)}
	out = append(out, EncodeRemainingLength(len(body))...)
	return append(out, body...)
}

func (p *SubackPacket) Parse(raw []byte) error {
	if len(raw) < 4 || Type(raw[0]) != SUBACK {
		return &er.Err{Context: "Suback", Message: er.ErrShortBuffer}
	}
	remainingLength, rlBytes, err := ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+rlBytes+remainingLength {
		return &er.Err{Context: "Suback", Message: er.ErrInvalidPacketLength}
	}
	offset := 1 + rlBytes
	p.PacketID = binary.BigEndian.Uint16(raw[offset : offset+2])
	p.ReturnCodes = append([]byte(nil), raw[offset+2:]...)
	return nil
}

// GrantedQoS maps a requested QoS to the SUBACK return code granting it
// unchanged (the broker never downgrades a granted subscription QoS).
func GrantedQoS(requested byte) byte {
	if requested > 2 {
		return SubackFailure
	}
	return requested
}
