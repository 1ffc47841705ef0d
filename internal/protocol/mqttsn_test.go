package protocol

import (
	"errors"
	"testing"

	"github.com/nilsen/cindermq/internal/delivery"
	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/internal/subscription"
	"github.com/nilsen/cindermq/internal/wire/mqttsn"
	"github.com/nilsen/cindermq/pkg/er"
)

func newSNDispatcher() *SNDispatcher {
	d := &SNDispatcher{
		Sessions: session.NewStore(),
		Subs:     subscription.New(),
		Log:      logger.New(logger.DevelopmentConfig()),
	}
	d.Delivery = delivery.New(d, delivery.RetryIntervalTicks)
	return d
}

func TestSNConnectWillHandshake(t *testing.T) {
	d := newSNDispatcher()
	conn := &fakeConn{}

	c, err := d.HandleConnect(conn, "10.0.0.1:2000", &mqttsn.ConnectPacket{
		ClientID: "sensor1", CleanSession: true, Will: true, Duration: 30,
	})
	if err != nil {
		t.Fatalf("HandleConnect: %v", err)
	}
	if c.ConnectState != session.StateAwaitingWillTopic {
		t.Fatalf("expected client awaiting will topic, state=%d", c.ConnectState)
	}
	frame := <-c.Outbox
	if mqttsn.MsgType(frame[1]) != mqttsn.WILLTOPICREQ {
		t.Fatalf("expected WILLTOPICREQ, got %#x", frame[1])
	}

	if err := d.HandleWillTopic(c, &mqttsn.WillTopicPacket{Topic: "dead/sensor1", QoS: 1}); err != nil {
		t.Fatalf("HandleWillTopic: %v", err)
	}
	frame = <-c.Outbox
	if mqttsn.MsgType(frame[1]) != mqttsn.WILLMSGREQ {
		t.Fatalf("expected WILLMSGREQ, got %#x", frame[1])
	}

	if err := d.HandleWillMsg(c, &mqttsn.WillMsgPacket{Message: "gone"}); err != nil {
		t.Fatalf("HandleWillMsg: %v", err)
	}
	frame = <-c.Outbox
	if mqttsn.MsgType(frame[1]) != mqttsn.CONNACK {
		t.Fatalf("expected CONNACK after will handshake, got %#x", frame[1])
	}
	if c.Will == nil || c.Will.Topic != "dead/sensor1" || string(c.Will.Message) != "gone" {
		t.Fatalf("will not stored: %+v", c.Will)
	}
}

func TestSNSendPublishGatesOnRegistration(t *testing.T) {
	d := newSNDispatcher()
	c := session.NewClient("sensor1", session.VariantMQTTSN)

	m := &model.Message{QoS: model.QoS0, Pub: model.NewPublication("room/temp", []byte("21"), model.QoS0, false)}
	err := d.SendPublish(c, m)
	if !errors.Is(err, er.ErrRegistrationPending) {
		t.Fatalf("expected registration-pending, got %v", err)
	}

	frame := <-c.Outbox
	if mqttsn.MsgType(frame[1]) != mqttsn.REGISTER {
		t.Fatalf("expected REGISTER before first publish, got %#x", frame[1])
	}
	reg := c.FindRegistrationByTopic("room/temp")
	if reg == nil || !reg.Pending {
		t.Fatalf("expected a pending registration, got %+v", reg)
	}

	if err := d.HandleRegack(c, &mqttsn.RegAckPacket{TopicID: reg.TopicID, ReturnCode: mqttsn.RCAccepted}); err != nil {
		t.Fatalf("HandleRegack: %v", err)
	}
	if reg := c.FindRegistrationByTopic("room/temp"); reg.Pending {
		t.Fatalf("expected registration completed after REGACK")
	}

	if err := d.SendPublish(c, m); err != nil {
		t.Fatalf("SendPublish after REGACK: %v", err)
	}
	frame = <-c.Outbox
	if mqttsn.MsgType(frame[1]) != mqttsn.PUBLISH {
		t.Fatalf("expected PUBLISH once registered, got %#x", frame[1])
	}
}

func TestSNSubscribeWildcardGetsNoTopicID(t *testing.T) {
	d := newSNDispatcher()
	conn := &fakeConn{}
	c, err := d.HandleConnect(conn, "10.0.0.1:2000", &mqttsn.ConnectPacket{ClientID: "sensor1", CleanSession: true})
	if err != nil {
		t.Fatalf("HandleConnect: %v", err)
	}
	<-c.Outbox // CONNACK

	if err := d.HandleSubscribe(c, &mqttsn.SubscribePacket{MsgID: 1, Topic: "room/+", QoS: 1}); err != nil {
		t.Fatalf("HandleSubscribe: %v", err)
	}
	frame := <-c.Outbox
	parsed, err := mqttsn.Decode(frame)
	if err != nil || parsed.Type != mqttsn.SUBACK {
		t.Fatalf("expected SUBACK, got %v %v", parsed, err)
	}
	ack := parsed.Suback
	if ack.TopicID != 0 {
		t.Fatalf("wildcard filter must not be assigned a topic id, got %d", ack.TopicID)
	}
	if ack.ReturnCode != mqttsn.RCAccepted {
		t.Fatalf("expected accepted, got %d", ack.ReturnCode)
	}
}

func TestSNPublishUnregisteredTopicRejected(t *testing.T) {
	d := newSNDispatcher()
	conn := &fakeConn{}
	c, err := d.HandleConnect(conn, "10.0.0.1:2000", &mqttsn.ConnectPacket{ClientID: "sensor1", CleanSession: true})
	if err != nil {
		t.Fatalf("HandleConnect: %v", err)
	}
	<-c.Outbox // CONNACK

	if err := d.HandlePublish(c, &mqttsn.PublishPacket{TopicIDType: mqttsn.TopicNormal, TopicID: 99, MsgID: 5, Payload: []byte("x")}); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	frame := <-c.Outbox
	parsed, err := mqttsn.Decode(frame)
	if err != nil || parsed.Type != mqttsn.PUBACK {
		t.Fatalf("expected PUBACK rejection, got %v %v", parsed, err)
	}
	if parsed.Puback.ReturnCode != mqttsn.RCRejectedInvalidTopic {
		t.Fatalf("expected invalid-topic rejection, got %d", parsed.Puback.ReturnCode)
	}
}
