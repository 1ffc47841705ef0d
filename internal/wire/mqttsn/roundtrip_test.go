package mqttsn

import (
	"bytes"
	"testing"
)

func TestConnectRoundTrip(t *testing.T) {
	cp := &ConnectPacket{Will: true, CleanSession: true, Duration: 300, ClientID: "sensor1"}
	frame := cp.Encode()
	parsed, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if parsed.Connect.ClientID != cp.ClientID || parsed.Connect.Duration != cp.Duration || !parsed.Connect.Will {
		t.Errorf("round trip mismatch: got %+v", parsed.Connect)
	}
}

func TestPublishRoundTrip(t *testing.T) {
	pp := &PublishPacket{TopicIDType: TopicNormal, QoS: 1, TopicID: 9, MsgID: 42, Payload: []byte("on")}
	frame := pp.Encode()
	parsed, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if parsed.Publish.TopicID != 9 || parsed.Publish.MsgID != 42 || !bytes.Equal(parsed.Publish.Payload, pp.Payload) {
		t.Errorf("round trip mismatch: got %+v", parsed.Publish)
	}
}

func TestSubscribeRoundTrip(t *testing.T) {
	sp := &SubscribePacket{QoS: 1, TopicIDType: TopicNormal, MsgID: 3, Topic: "a/+"}
	frame := sp.Encode(SUBSCRIBE)
	parsed, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if parsed.Subscribe.Topic != sp.Topic || parsed.Subscribe.MsgID != sp.MsgID {
		t.Errorf("round trip mismatch: got %+v", parsed.Subscribe)
	}
}

func TestSubscribePredefinedRoundTrip(t *testing.T) {
	sp := &SubscribePacket{TopicIDType: TopicPredefined, MsgID: 1, TopicID: 77}
	frame := sp.Encode(SUBSCRIBE)
	parsed, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if parsed.Subscribe.TopicID != 77 {
		t.Errorf("expected predefined topic id 77, got %+v", parsed.Subscribe)
	}
}

func TestMsgIDRoundTrip(t *testing.T) {
	frame := EncodeMsgID(PUBREL, 55)
	parsed, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if parsed.Pubrel.MsgID != 55 {
		t.Errorf("expected msg id 55, got %d", parsed.Pubrel.MsgID)
	}
}

func TestLongFrameForm(t *testing.T) {
	payload := bytes.Repeat([]byte("x"), 300)
	pp := &PublishPacket{TopicIDType: TopicNormal, QoS: 0, TopicID: 1, MsgID: 0, Payload: payload}
	frame := pp.Encode()
	if frame[0] != 0x01 {
		t.Fatalf("expected long-form length prefix, got %x", frame[0])
	}
	parsed, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !bytes.Equal(parsed.Publish.Payload, payload) {
		t.Errorf("payload mismatch after long-form round trip")
	}
}

func TestForwarderRoundTrip(t *testing.T) {
	inner := (&PingReqPacket{ClientID: "n1"}).Encode()
	frame := EncodeForwarder(0x00, []byte{0x01, 0x02}, inner)
	fw, err := DecodeForwarder(frame)
	if err != nil {
		t.Fatalf("decode forwarder failed: %v", err)
	}
	if !bytes.Equal(fw.WirelessID, []byte{0x01, 0x02}) || !bytes.Equal(fw.Encapsulated, inner) {
		t.Errorf("forwarder round trip mismatch: %+v", fw)
	}
}

func TestDisconnectWithSleep(t *testing.T) {
	dp := &DisconnectPacket{HasSleep: true, Duration: 120}
	frame := dp.Encode()
	parsed, err := Decode(frame)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !parsed.Disconnect.HasSleep || parsed.Disconnect.Duration != 120 {
		t.Errorf("round trip mismatch: got %+v", parsed.Disconnect)
	}
}
