package mqtt

import (
	"encoding/binary"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/nilsen/cindermq/pkg/er"
)

// ConnectPacket is the parsed CONNECT variable header and payload.
type ConnectPacket struct {
	ProtocolName  string
	ProtocolLevel byte

	UsernameFlag bool
	PasswordFlag bool
	WillRetain   bool
	WillQoS      byte
	WillFlag     bool
	CleanSession bool
	KeepAlive    uint16

	ClientID    string
	WillTopic   *string
	WillMessage *string
	Username    *string
	Password    *string
}

// IsPrivate reports whether the CONNECT used the private bridge protocol
// name/version pair (MQIsdp/PRIVATE_VERSION) rather than public MQTT v3.1.1.
func (cp *ConnectPacket) IsPrivate() bool {
	return cp.ProtocolName == ProtocolNamePrivate && cp.ProtocolLevel == ProtocolLevelPrivate
}

func (cp *ConnectPacket) Parse(raw []byte) error {
	if len(raw) < 10 || Type(raw[0]) != CONNECT {
		return &er.Err{Context: "Connect", Message: er.ErrInvalidConnPacket}
	}

	remainingLength, rlBytes, err := ParseRemainingLength(raw[1:])
	if err != nil {
		return err
	}
	if len(raw) != 1+rlBytes+remainingLength {
		return &er.Err{Context: "Connect, Packet Length", Message: er.ErrInvalidPacketLength}
	}
	offset := 1 + rlBytes

	protocolName, n, err := ParseString(raw[offset:])
	if err != nil {
		return &er.Err{Context: "Connect, ProtocolName", Message: er.ErrReadProtoName}
	}
	cp.ProtocolName = protocolName
	offset += n

	switch cp.ProtocolName {
	case ProtocolNameV311, ProtocolNamePrivate, ProtocolNameV2:
	default:
		return &er.Err{Context: "Connect, ProtocolName", Message: er.ErrUnsupportedProtocolName}
	}

	if offset >= len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrMissProtoLevel}
	}
	cp.ProtocolLevel = raw[offset]
	offset++

	switch {
	case cp.ProtocolName == ProtocolNameV311 && cp.ProtocolLevel == ProtocolLevelV311:
	case cp.ProtocolName == ProtocolNamePrivate && cp.ProtocolLevel == ProtocolLevelPrivate:
	case cp.ProtocolName == ProtocolNameV2 && cp.ProtocolLevel == ProtocolLevelV2:
	default:
		return &er.Err{Context: "Connect, ProtocolLevel", Message: er.ErrUnsupportedProtocolLevel}
	}

	if offset >= len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrMissConnFlags}
	}
	flags := raw[offset]
	offset++

	cp.UsernameFlag = flags&0x80 != 0
	cp.PasswordFlag = flags&0x40 != 0
	cp.WillRetain = flags&0x20 != 0
	cp.WillQoS = (flags & 0x18) >> 3
	cp.WillFlag = flags&0x04 != 0
	cp.CleanSession = flags&0x02 != 0

	if cp.WillFlag && cp.WillQoS > 2 {
		return &er.Err{Context: "Connect, WillQos", Message: er.ErrInvalidWillQos}
	}

	if offset+2 > len(raw) {
		return &er.Err{Context: "Connect", Message: er.ErrMissKeepAlive}
	}
	cp.KeepAlive = binary.BigEndian.Uint16(raw[offset : offset+2])
	offset += 2

	clientID, n, err := ParseString(raw[offset:])
	if err != nil {
		return &er.Err{Context: "Connect, ClientID", Message: er.ErrReadClientID}
	}
	cp.ClientID = clientID
	offset += n

	if cErr := cp.ValidateClientID(); cErr != nil {
		switch {
		case errors.Is(cErr, er.ErrEmptyClientID):
			cp.ClientID = uuid.NewString()
		case errors.Is(cErr, er.ErrEmptyAndCleanSessionClientID):
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrIdentifierRejected}
		default:
			return cErr
		}
	}

	if cp.WillFlag {
		willTopic, n, err := ParseString(raw[offset:])
		if err != nil {
			return &er.Err{Context: "Connect, WillTopic", Message: er.ErrInvalidConnPacket}
		}
		cp.WillTopic = &willTopic
		offset += n

		willMessage, n, err := ParseString(raw[offset:])
		if err != nil {
			return &er.Err{Context: "Connect, WillMessage", Message: er.ErrInvalidConnPacket}
		}
		cp.WillMessage = &willMessage
		offset += n
	}

	if !cp.UsernameFlag && cp.PasswordFlag {
		return &er.Err{Context: "Connect, UsernameFlag+PasswordFlag", Message: er.ErrPasswordWithoutUsername}
	}

	if cp.UsernameFlag {
		username, n, err := ParseString(raw[offset:])
		if err != nil {
			return &er.Err{Context: "Connect, Username", Message: er.ErrMalformedUsernameField}
		}
		cp.Username = &username
		offset += n
	}

	if cp.PasswordFlag {
		password, n, err := ParseString(raw[offset:])
		if err != nil {
			return &er.Err{Context: "Connect, Password", Message: er.ErrMalformedPasswordField}
		}
		cp.Password = &password
		offset += n
	}

	return nil
}

// ValidateClientID enforces the client-id rules: non-empty unless
// clean_session=1, at most 23 bytes when the protocol level is the v3.1.1
// one, and, at every protocol level, limited to the alphanumeric set the
// original spec allowed.
func (cp *ConnectPacket) ValidateClientID() error {
	if len(cp.ClientID) == 0 {
		if !cp.CleanSession {
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrEmptyAndCleanSessionClientID}
		}
		return &er.Err{Context: "Connect, ClientID", Message: er.ErrEmptyClientID}
	}
	if cp.ProtocolLevel == ProtocolLevelV311 && len(cp.ClientID) > 23 {
		return &er.Err{Context: "Connect, ClientID", Message: er.ErrClientIDLengthExceed}
	}
	const allowed = "0123456789abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ"
	for _, r := range cp.ClientID {
		if !strings.ContainsRune(allowed, r) {
			return &er.Err{Context: "Connect, ClientID", Message: er.ErrInvalidCharsClientID}
		}
	}
	return nil
}

// Encode serializes a CONNECT packet, used by the bridge manager to dial
// out to a peer broker.
func (cp *ConnectPacket) Encode() []byte {
	var vh []byte
	vh = AppendString(vh, cp.ProtocolName)
	vh = append(vh, cp.ProtocolLevel)

	var flags byte
	if cp.UsernameFlag {
		flags |= 0x80
	}
	if cp.PasswordFlag {
		flags |= 0x40
	}
	if cp.WillFlag {
		flags |= 0x04
		flags |= cp.WillQoS << 3
		if cp.WillRetain {
			flags |= 0x20
		}
	}
	if cp.CleanSession {
		flags |= 0x02
	}
	vh = append(vh, flags)
	vh = AppendUint16(vh, cp.KeepAlive)

	var payload []byte
	payload = AppendString(payload, cp.ClientID)
	if cp.WillFlag {
		payload = AppendString(payload, *cp.WillTopic)
		payload = AppendString(payload, *cp.WillMessage)
	}
	if cp.UsernameFlag {
		payload = AppendString(payload, *cp.Username)
	}
	if cp.PasswordFlag {
		payload = AppendString(payload, *cp.Password)
	}

	body := append(vh, payload...)
	out := []byte{byte(CONNECT)}
	out = append(out, EncodeRemainingLength(len(body))...)
	return append(out, body...)
}
