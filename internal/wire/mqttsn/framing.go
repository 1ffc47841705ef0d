package mqttsn

import "github.com/nilsen/cindermq/pkg/er"

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }

func put16(v uint16) []byte { return []byte{byte(v >> 8), byte(v)} }

// stripLength removes the frame's length field (the short 1-byte form, or
// the long form signaled by a leading 0x01 followed by a big-endian
// 16-bit length) and returns the remaining body starting at message type.
func stripLength(frame []byte) ([]byte, error) {
	if len(frame) < 2 {
		return nil, &er.Err{Context: "mqttsn.stripLength", Message: er.ErrShortSNFrame}
	}
	if frame[0] == 0x01 {
		if len(frame) < 4 {
			return nil, &er.Err{Context: "mqttsn.stripLength", Message: er.ErrShortSNFrame}
		}
		total := int(be16(frame[1:3]))
		if total != len(frame) {
			return nil, &er.Err{Context: "mqttsn.stripLength", Message: er.ErrInvalidSNLength}
		}
		return frame[3:], nil
	}
	total := int(frame[0])
	if total != len(frame) {
		return nil, &er.Err{Context: "mqttsn.stripLength", Message: er.ErrInvalidSNLength}
	}
	return frame[1:], nil
}

// Frame prepends the appropriate length field to body (which must start
// with the message-type byte), choosing the short form unless the total
// length would not fit in one byte.
func Frame(body []byte) []byte {
	total := len(body) + 1
	if total <= 255 {
		return append([]byte{byte(total)}, body...)
	}
	out := append([]byte{0x01}, put16(uint16(total+2))...)
	return append(out, body...)
}

// ForwarderFrame is a forwarder-encapsulation frame: a 1-byte ctrl field,
// a variable-length wireless-node-id, and an encapsulated MQTT-SN frame.
type ForwarderFrame struct {
	Ctrl       byte
	WirelessID []byte
	Encapsulated []byte
}

// DecodeForwarder recovers the ctrl byte, wireless-node-id and the
// encapsulated frame from a forwarder-encapsulation packet. The outer
// frame uses ordinary MQTT-SN length framing around message type
// FwdEncaps; the node-id length is implied by the outer remaining length
// minus the encapsulated frame's own declared length.
func DecodeForwarder(frame []byte) (*ForwarderFrame, error) {
	body, err := stripLength(frame)
	if err != nil {
		return nil, err
	}
	if len(body) < 2 || MsgType(body[0]) != FwdEncaps {
		return nil, &er.Err{Context: "mqttsn.DecodeForwarder", Message: er.ErrInvalidSNPacketType}
	}
	ctrl := body[1]
	rest := body[2:]

	// The encapsulated frame is itself length-prefixed; scan backwards
	// from its self-declared length to split off the wireless-node-id.
	if len(rest) < 1 {
		return nil, &er.Err{Context: "mqttsn.DecodeForwarder", Message: er.ErrShortSNFrame}
	}
	for nodeLen := 0; nodeLen <= len(rest)-1; nodeLen++ {
		candidate := rest[nodeLen:]
		declared := int(candidate[0])
		if candidate[0] == 0x01 {
			if len(candidate) < 3 {
				continue
			}
			declared = int(be16(candidate[1:3]))
		}
		if declared == len(candidate) {
			return &ForwarderFrame{Ctrl: ctrl, WirelessID: rest[:nodeLen], Encapsulated: candidate}, nil
		}
	}
	return nil, &er.Err{Context: "mqttsn.DecodeForwarder", Message: er.ErrShortSNFrame}
}

// EncodeForwarder builds a forwarder-encapsulation frame wrapping an
// already-framed encapsulated MQTT-SN packet.
func EncodeForwarder(ctrl byte, wirelessID, encapsulated []byte) []byte {
	body := []byte{byte(FwdEncaps), ctrl}
	body = append(body, wirelessID...)
	body = append(body, encapsulated...)
	return Frame(body)
}
