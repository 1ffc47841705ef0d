package protocol

import (
	"net"
	"testing"

	"github.com/nilsen/cindermq/internal/delivery"
	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/internal/subscription"
	mqtt "github.com/nilsen/cindermq/internal/wire/mqtt"
)

type fakeAddr struct{}

func (fakeAddr) Network() string { return "tcp" }
func (fakeAddr) String() string  { return "127.0.0.1:0" }

type fakeConn struct {
	written [][]byte
}

func (f *fakeConn) Write(b []byte) (int, error) {
	f.written = append(f.written, append([]byte(nil), b...))
	return len(b), nil
}
func (f *fakeConn) Close() error         { return nil }
func (f *fakeConn) RemoteAddr() net.Addr { return fakeAddr{} }

func newDispatcher() *MQTTDispatcher {
	sessions := session.NewStore()
	subs := subscription.New()
	d := &MQTTDispatcher{
		Sessions: sessions,
		Subs:     subs,
		Log:      logger.New(logger.DevelopmentConfig()),
	}
	d.Delivery = delivery.New(d, delivery.RetryIntervalTicks)
	return d
}

func TestHandleConnectSendsConnack(t *testing.T) {
	d := newDispatcher()
	conn := &fakeConn{}
	cp := &mqtt.ConnectPacket{ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "c1", CleanSession: true}

	c, err := d.HandleConnect(conn, "127.0.0.1:1", cp)
	if err != nil {
		t.Fatalf("HandleConnect: %v", err)
	}
	if !c.Connected {
		t.Fatalf("expected client marked connected")
	}
	if len(conn.written) != 1 {
		t.Fatalf("expected 1 frame written, got %d", len(conn.written))
	}
	ack := &mqtt.ConnackPacket{}
	if err := ack.Parse(conn.written[0]); err != nil {
		t.Fatalf("parse connack: %v", err)
	}
	if ack.ReturnCode != mqtt.ConnectionAccepted {
		t.Fatalf("expected accepted, got %d", ack.ReturnCode)
	}
}

func TestHandleSubscribeThenPublishFansOut(t *testing.T) {
	d := newDispatcher()

	subConn := &fakeConn{}
	sub, _ := d.HandleConnect(subConn, "127.0.0.1:1", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "sub", CleanSession: true,
	})

	id := uint16(1)
	if err := d.HandleSubscribe(sub, &mqtt.SubscribePacket{PacketID: 1, Filters: []mqtt.SubscribeFilter{{Topic: "a/b", QoS: 0}}}); err != nil {
		t.Fatalf("HandleSubscribe: %v", err)
	}
	<-sub.Outbox // SUBACK

	pubConn := &fakeConn{}
	pubC, _ := d.HandleConnect(pubConn, "127.0.0.1:2", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "pub", CleanSession: true,
	})

	subConn.written = nil
	if err := d.HandlePublish(pubC, &mqtt.PublishPacket{Topic: "a/b", QoS: 0, Payload: []byte("hi"), PacketID: &id}); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}

	select {
	case frame := <-sub.Outbox:
		pp := &mqtt.PublishPacket{}
		if err := pp.Parse(frame); err != nil {
			t.Fatalf("parse publish: %v", err)
		}
		if pp.Topic != "a/b" || string(pp.Payload) != "hi" {
			t.Fatalf("unexpected publish: %+v", pp)
		}
	default:
		t.Fatalf("expected subscriber to receive publish")
	}
}

func TestQoS2PublishDeliversOnPubrelNotPublish(t *testing.T) {
	d := newDispatcher()

	subConn := &fakeConn{}
	sub, _ := d.HandleConnect(subConn, "127.0.0.1:1", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "sub", CleanSession: true,
	})
	if err := d.HandleSubscribe(sub, &mqtt.SubscribePacket{PacketID: 1, Filters: []mqtt.SubscribeFilter{{Topic: "a/b", QoS: 2}}}); err != nil {
		t.Fatalf("HandleSubscribe: %v", err)
	}
	<-sub.Outbox // SUBACK

	pubConn := &fakeConn{}
	pubC, _ := d.HandleConnect(pubConn, "127.0.0.1:2", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "pub", CleanSession: true,
	})

	id := uint16(7)
	if err := d.HandlePublish(pubC, &mqtt.PublishPacket{Topic: "a/b", QoS: 2, Payload: []byte("hi"), PacketID: &id}); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}

	select {
	case <-sub.Outbox:
		t.Fatalf("subscriber must not receive anything before PUBREL")
	default:
	}

	if err := d.HandlePubrel(pubC, id); err != nil {
		t.Fatalf("HandlePubrel: %v", err)
	}

	select {
	case frame := <-sub.Outbox:
		pp := &mqtt.PublishPacket{}
		if err := pp.Parse(frame); err != nil {
			t.Fatalf("parse publish: %v", err)
		}
		if pp.Topic != "a/b" || string(pp.Payload) != "hi" {
			t.Fatalf("unexpected publish: %+v", pp)
		}
	default:
		t.Fatalf("expected subscriber to receive publish after PUBREL")
	}
}

func TestRetainedReplayDowngradesToSubscriptionQoS(t *testing.T) {
	d := newDispatcher()

	pubConn := &fakeConn{}
	pubC, _ := d.HandleConnect(pubConn, "127.0.0.1:1", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "pub", CleanSession: true,
	})
	id := uint16(3)
	if err := d.HandlePublish(pubC, &mqtt.PublishPacket{Topic: "sensor/1", QoS: 1, Retain: true, Payload: []byte("42"), PacketID: &id}); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}

	subConn := &fakeConn{}
	sub, _ := d.HandleConnect(subConn, "127.0.0.1:2", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "sub", CleanSession: true,
	})
	if err := d.HandleSubscribe(sub, &mqtt.SubscribePacket{PacketID: 1, Filters: []mqtt.SubscribeFilter{{Topic: "sensor/+", QoS: 0}}}); err != nil {
		t.Fatalf("HandleSubscribe: %v", err)
	}

	// SUBACK first, then exactly one retained PUBLISH downgraded to the
	// subscription's qos 0.
	suback := <-sub.Outbox
	if mqtt.Type(suback[0]) != mqtt.SUBACK {
		t.Fatalf("expected SUBACK before retained replay, got type %#x", suback[0])
	}
	frame := <-sub.Outbox
	pp := &mqtt.PublishPacket{}
	if err := pp.Parse(frame); err != nil {
		t.Fatalf("parse retained publish: %v", err)
	}
	if pp.Topic != "sensor/1" || string(pp.Payload) != "42" {
		t.Fatalf("unexpected retained publish: %+v", pp)
	}
	if pp.QoS != 0 {
		t.Fatalf("expected retained replay downgraded to qos 0, got %d", pp.QoS)
	}
	if !pp.Retain {
		t.Fatalf("expected retain flag set on replay")
	}
	select {
	case extra := <-sub.Outbox:
		t.Fatalf("expected exactly one retained replay, got extra frame %#x", extra[0])
	default:
	}
}

func TestDurableSessionQueuesWhileDisconnected(t *testing.T) {
	d := newDispatcher()

	subConn := &fakeConn{}
	sub, _ := d.HandleConnect(subConn, "127.0.0.1:1", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "dur", CleanSession: false,
	})
	if err := d.HandleSubscribe(sub, &mqtt.SubscribePacket{PacketID: 1, Filters: []mqtt.SubscribeFilter{{Topic: "a", QoS: 1}}}); err != nil {
		t.Fatalf("HandleSubscribe: %v", err)
	}
	<-sub.Outbox // SUBACK
	if err := d.CloseSession(sub, false); err != nil {
		t.Fatalf("CloseSession: %v", err)
	}
	if _, ok := d.Sessions.Disconnected("dur"); !ok {
		t.Fatalf("expected durable session parked in disconnected index")
	}

	pubConn := &fakeConn{}
	pubC, _ := d.HandleConnect(pubConn, "127.0.0.1:2", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "pub", CleanSession: true,
	})
	id := uint16(9)
	if err := d.HandlePublish(pubC, &mqtt.PublishPacket{Topic: "a", QoS: 1, Payload: []byte("x"), PacketID: &id}); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	if sub.QueueDepth() != 1 {
		t.Fatalf("expected publish queued for the disconnected durable session, depth=%d", sub.QueueDepth())
	}

	reConn := &fakeConn{}
	re, err := d.HandleConnect(reConn, "127.0.0.1:3", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "dur", CleanSession: false,
	})
	if err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	select {
	case frame := <-re.Outbox:
		pp := &mqtt.PublishPacket{}
		if err := pp.Parse(frame); err != nil {
			t.Fatalf("parse queued publish: %v", err)
		}
		if pp.Topic != "a" || string(pp.Payload) != "x" || pp.QoS != 1 {
			t.Fatalf("unexpected queued publish after reattach: %+v", pp)
		}
	default:
		t.Fatalf("expected queued publish delivered on reattach")
	}
}

func TestPrivateProtocolSubscriptionIsNoLocal(t *testing.T) {
	d := newDispatcher()

	conn := &fakeConn{}
	c, err := d.HandleConnect(conn, "127.0.0.1:1", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNamePrivate, ProtocolLevel: mqtt.ProtocolLevelPrivate, ClientID: "br", CleanSession: true,
	})
	if err != nil {
		t.Fatalf("HandleConnect: %v", err)
	}
	if err := d.HandleSubscribe(c, &mqtt.SubscribePacket{PacketID: 1, Filters: []mqtt.SubscribeFilter{{Topic: "a/#", QoS: 0}}}); err != nil {
		t.Fatalf("HandleSubscribe: %v", err)
	}
	<-c.Outbox // SUBACK

	if err := d.HandlePublish(c, &mqtt.PublishPacket{Topic: "a/b", QoS: 0, Payload: []byte("loop")}); err != nil {
		t.Fatalf("HandlePublish: %v", err)
	}
	select {
	case frame := <-c.Outbox:
		t.Fatalf("no_local subscriber must not receive its own publish, got type %#x", frame[0])
	default:
	}
}

func TestTakeoverKeepsDurableState(t *testing.T) {
	d := newDispatcher()

	conn1 := &fakeConn{}
	c1, _ := d.HandleConnect(conn1, "127.0.0.1:1", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "dur", CleanSession: false,
	})
	if err := d.HandleSubscribe(c1, &mqtt.SubscribePacket{PacketID: 1, Filters: []mqtt.SubscribeFilter{{Topic: "a", QoS: 1}}}); err != nil {
		t.Fatalf("HandleSubscribe: %v", err)
	}

	conn2 := &fakeConn{}
	c2, err := d.HandleConnect(conn2, "127.0.0.1:2", &mqtt.ConnectPacket{
		ProtocolName: mqtt.ProtocolNameV311, ProtocolLevel: mqtt.ProtocolLevelV311, ClientID: "dur", CleanSession: false,
	})
	if err != nil {
		t.Fatalf("takeover connect: %v", err)
	}
	if c2 != c1 {
		t.Fatalf("expected takeover to reuse the durable session record")
	}
	if subs := d.Subs.GetSubscribers("a", ""); len(subs) != 1 {
		t.Fatalf("expected subscription to survive takeover, got %v", subs)
	}
}
