package mqtt

import "github.com/nilsen/cindermq/pkg/er"

// DisconnectPacket carries no variable header or payload.
type DisconnectPacket struct{}

func (dp *DisconnectPacket) Parse(raw []byte) error {
	if len(raw) != 2 || Type(raw[0]) != DISCONNECT {
		return &er.Err{Context: "Disconnect, Control", Message: er.ErrInvalidDisconnectPacket}
	}
	if raw[1] != 0x00 {
		return &er.Err{Context: "Disconnect, Remaining Length", Message: er.ErrInvalidDisconnectPacket}
	}
	return nil
}

func (dp *DisconnectPacket) Encode() []byte { return []byte{byte(DISCONNECT), 0x00} }
