package mqtt

import (
	"encoding/binary"

	"github.com/nilsen/cindermq/pkg/er"
)

// UnsubackPacket is the server's response to UNSUBSCRIBE.
type UnsubackPacket struct {
	PacketID uint16
}

func (p *UnsubackPacket) Encode() []byte {
	return []byte{byte(UNSUBACK), 0x02, byte(p.PacketID >> 8), byte(p.PacketID)}
}

func (p *UnsubackPacket) Parse(raw []byte) error {
	if len(raw) != 4 || Type(raw[0]) != UNSUBACK || raw[1] != 0x02 {
		return &er.Err{Context: "Unsuback", Message: er.ErrInvalidPacketLength}
	}
	p.PacketID = binary.BigEndian.Uint16(raw[2:4])
	return nil
}
