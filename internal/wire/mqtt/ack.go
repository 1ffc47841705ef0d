package mqtt

import (
	"encoding/binary"

	"github.com/nilsen/cindermq/pkg/er"
)

// AckPacket is the shared 4-byte shape of PUBACK, PUBREC, PUBREL and
// PUBCOMP: fixed header, remaining length 2, packet id. The teacher kept
// four near-identical constructors for these; one type with the packet
// type threaded through Encode covers all four.
type AckPacket struct {
	PacketID uint16
}

func (a *AckPacket) encode(t PacketType) []byte {
	header := byte(t)
	if t == PUBREL {
		header |= 0x02 // reserved bits fixed at 0010 for PUBREL
	}
	out := []byte{header, 0x02}
	return AppendUint16(out, a.PacketID)
}

// EncodePuback, EncodePubrec, EncodePubrel and EncodePubcomp serialize the
// respective acknowledgement packet for packetID.
func EncodePuback(packetID uint16) []byte  { return (&AckPacket{packetID}).encode(PUBACK) }
func EncodePubrec(packetID uint16) []byte  { return (&AckPacket{packetID}).encode(PUBREC) }
func EncodePubrel(packetID uint16) []byte  { return (&AckPacket{packetID}).encode(PUBREL) }
func EncodePubcomp(packetID uint16) []byte { return (&AckPacket{packetID}).encode(PUBCOMP) }

func parseAck(raw []byte, want PacketType) (*AckPacket, error) {
	if len(raw) != 4 || Type(raw[0]) != want || raw[1] != 0x02 {
		return nil, &er.Err{Context: "mqtt.parseAck", Message: er.ErrBadPacket}
	}
	return &AckPacket{PacketID: binary.BigEndian.Uint16(raw[2:4])}, nil
}
