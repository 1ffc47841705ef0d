package mqtt

import "github.com/nilsen/cindermq/pkg/er"

// PingreqPacket and PingrespPacket carry no variable header or payload.
type PingreqPacket struct{}
type PingrespPacket struct{}

func (p *PingreqPacket) Parse(raw []byte) error {
	if len(raw) != 2 || Type(raw[0]) != PINGREQ {
		return &er.Err{Context: "Pingreq", Message: er.ErrInvalidPingreqPacket}
	}
	if raw[0]&0x0F != 0x00 {
		return &er.Err{Context: "Pingreq, Fixed Header", Message: er.ErrInvalidPingreqFlags}
	}
	if raw[1] != 0x00 {
		return &er.Err{Context: "Pingreq, Remaining Length", Message: er.ErrInvalidPingreqLength}
	}
	return nil
}

func (p *PingreqPacket) Encode() []byte { return []byte{byte(PINGREQ), 0x00} }

func (p *PingrespPacket) Parse(raw []byte) error {
	if len(raw) != 2 || Type(raw[0]) != PINGRESP {
		return &er.Err{Context: "Pingresp", Message: er.ErrInvalidPingrespPacket}
	}
	if raw[0]&0x0F != 0x00 {
		return &er.Err{Context: "Pingresp, Fixed Header", Message: er.ErrInvalidPingrespFlags}
	}
	if raw[1] != 0x00 {
		return &er.Err{Context: "Pingresp, Remaining Length", Message: er.ErrInvalidPingrespLength}
	}
	return nil
}

func (p *PingrespPacket) Encode() []byte { return []byte{byte(PINGRESP), 0x00} }
