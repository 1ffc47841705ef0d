package mqtt

import (
	"bytes"
	"testing"
)

func TestConnectRoundTrip(t *testing.T) {
	topic, msg, user, pass := "will/topic", "bye", "alice", "secret"
	cp := &ConnectPacket{
		ProtocolName:  ProtocolNameV311,
		ProtocolLevel: ProtocolLevelV311,
		UsernameFlag:  true,
		PasswordFlag:  true,
		WillFlag:      true,
		WillQoS:       1,
		CleanSession:  true,
		KeepAlive:     60,
		ClientID:      "client1",
		WillTopic:     &topic,
		WillMessage:   &msg,
		Username:      &user,
		Password:      &pass,
	}

	raw := cp.Encode()
	parsed := &ConnectPacket{}
	if err := parsed.Parse(raw); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.ClientID != cp.ClientID || parsed.KeepAlive != cp.KeepAlive {
		t.Errorf("round trip mismatch: got %+v", parsed)
	}
	if *parsed.WillTopic != topic || *parsed.Username != user || *parsed.Password != pass {
		t.Errorf("round trip mismatch on will/credentials: %+v", parsed)
	}
}

func TestConnectPrivateProtocol(t *testing.T) {
	cp := &ConnectPacket{
		ProtocolName:  ProtocolNamePrivate,
		ProtocolLevel: ProtocolLevelPrivate,
		CleanSession:  true,
		ClientID:      "bridge1",
	}
	raw := cp.Encode()
	parsed := &ConnectPacket{}
	if err := parsed.Parse(raw); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if !parsed.IsPrivate() {
		t.Errorf("expected private protocol to round-trip as private")
	}
}

func TestConnectEmptyClientIDAssignsUUID(t *testing.T) {
	cp := &ConnectPacket{
		ProtocolName:  ProtocolNameV311,
		ProtocolLevel: ProtocolLevelV311,
		CleanSession:  true,
		ClientID:      "",
	}
	raw := cp.Encode()
	parsed := &ConnectPacket{}
	if err := parsed.Parse(raw); err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.ClientID == "" {
		t.Errorf("expected server to assign a client id for empty clean-session connect")
	}
}

func TestConnectEmptyClientIDRejectedWithoutCleanSession(t *testing.T) {
	cp := &ConnectPacket{
		ProtocolName:  ProtocolNameV311,
		ProtocolLevel: ProtocolLevelV311,
		CleanSession:  false,
		ClientID:      "",
	}
	raw := cp.Encode()
	parsed := &ConnectPacket{}
	if err := parsed.Parse(raw); err == nil {
		t.Fatalf("expected identifier-rejected error, got nil")
	}
}

func TestPublishRoundTrip(t *testing.T) {
	id := uint16(42)
	pp := &PublishPacket{QoS: 1, Topic: "sensor/1", PacketID: &id, Payload: []byte("42")}
	raw := pp.Encode()

	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Publish.Topic != pp.Topic || !bytes.Equal(parsed.Publish.Payload, pp.Payload) {
		t.Errorf("round trip mismatch: got %+v", parsed.Publish)
	}
	if parsed.Publish.PacketID == nil || *parsed.Publish.PacketID != id {
		t.Errorf("expected packet id %d, got %v", id, parsed.Publish.PacketID)
	}
}

func TestPublishQoS0HasNoPacketID(t *testing.T) {
	pp := &PublishPacket{QoS: 0, Topic: "a", Payload: []byte("x")}
	raw := pp.Encode()
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Publish.PacketID != nil {
		t.Errorf("expected nil packet id for qos 0, got %v", parsed.Publish.PacketID)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	sp := &SubscribePacket{
		PacketID: 7,
		Filters: []SubscribeFilter{
			{Topic: "a/+", QoS: 0},
			{Topic: "b/#", QoS: 2},
		},
	}
	raw := sp.Encode()
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Subscribe.PacketID != 7 || len(parsed.Subscribe.Filters) != 2 {
		t.Fatalf("round trip mismatch: got %+v", parsed.Subscribe)
	}
	if parsed.Subscribe.Filters[1].Topic != "b/#" || parsed.Subscribe.Filters[1].QoS != 2 {
		t.Errorf("filter mismatch: %+v", parsed.Subscribe.Filters[1])
	}
}

func TestAckRoundTrip(t *testing.T) {
	raw := EncodePuback(99)
	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Puback.PacketID != 99 {
		t.Errorf("expected packet id 99, got %d", parsed.Puback.PacketID)
	}

	raw = EncodePubrel(5)
	parsed, err = Parse(raw)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if parsed.Pubrel.PacketID != 5 {
		t.Errorf("expected packet id 5, got %d", parsed.Pubrel.PacketID)
	}
}

func TestPingRoundTrip(t *testing.T) {
	parsed, err := Parse((&PingreqPacket{}).Encode())
	if err != nil || parsed.Pingreq == nil {
		t.Fatalf("pingreq parse failed: %v", err)
	}
	parsed, err = Parse((&PingrespPacket{}).Encode())
	if err != nil || parsed.Pingresp == nil {
		t.Fatalf("pingresp parse failed: %v", err)
	}
}

func TestRemainingLengthEncoding(t *testing.T) {
	cases := []struct {
		length int
		want   []byte
	}{
		{0, []byte{0x00}},
		{127, []byte{0x7F}},
		{128, []byte{0x80, 0x01}},
		{16384, []byte{0x80, 0x80, 0x01}},
	}
	for _, c := range cases {
		got := EncodeRemainingLength(c.length)
		if !bytes.Equal(got, c.want) {
			t.Errorf("EncodeRemainingLength(%d) = %v, want %v", c.length, got, c.want)
		}
		decoded, n, err := ParseRemainingLength(got)
		if err != nil || decoded != c.length || n != len(got) {
			t.Errorf("ParseRemainingLength(%v) = (%d, %d, %v), want (%d, %d, nil)", got, decoded, n, err, c.length, len(got))
		}
	}
}
