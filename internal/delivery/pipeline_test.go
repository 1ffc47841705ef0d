package delivery

import (
	"testing"

	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/internal/session"
)

type fakeSender struct {
	sent    []*model.Message
	pubrels []uint16
}

func (f *fakeSender) SendPublish(c *session.Client, m *model.Message) error {
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSender) SendPubrel(c *session.Client, msgID uint16) error {
	f.pubrels = append(f.pubrels, msgID)
	return nil
}

func newMsg(qos model.QoS) *model.Message {
	return &model.Message{QoS: qos, Pub: model.NewPublication("a/b", []byte("x"), qos, false)}
}

func TestStartOrQueuePublishQoS0BypassesWindow(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, RetryIntervalTicks)
	c := session.NewClient("c1", session.VariantMQTT)

	if err := p.StartOrQueuePublish(c, newMsg(model.QoS0), model.PriorityNormal); err != nil {
		t.Fatalf("StartOrQueuePublish: %v", err)
	}
	if len(c.InflightOut) != 0 {
		t.Fatalf("QoS0 must not occupy inflight window, got %d", len(c.InflightOut))
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected 1 send, got %d", len(sender.sent))
	}
}

func TestStartOrQueuePublishFillsWindowThenQueues(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, RetryIntervalTicks)
	c := session.NewClient("c1", session.VariantMQTT)

	for i := 0; i < MaxInflightWindow; i++ {
		if err := p.StartOrQueuePublish(c, newMsg(model.QoS1), model.PriorityNormal); err != nil {
			t.Fatalf("fill %d: %v", i, err)
		}
	}
	if len(c.InflightOut) != MaxInflightWindow {
		t.Fatalf("expected full window, got %d", len(c.InflightOut))
	}

	if err := p.StartOrQueuePublish(c, newMsg(model.QoS1), model.PriorityNormal); err != nil {
		t.Fatalf("queue overflow msg: %v", err)
	}
	if c.QueueDepth() != 1 {
		t.Fatalf("expected overflow message queued, got depth %d", c.QueueDepth())
	}
}

func TestAckPubAckDrainsQueue(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, RetryIntervalTicks)
	c := session.NewClient("c1", session.VariantMQTT)

	for i := 0; i < MaxInflightWindow; i++ {
		p.StartOrQueuePublish(c, newMsg(model.QoS1), model.PriorityNormal)
	}
	p.StartOrQueuePublish(c, newMsg(model.QoS1), model.PriorityHigh)
	if c.QueueDepth() != 1 {
		t.Fatalf("expected 1 queued before ack")
	}

	id := c.InflightOut[0].MsgID
	if err := p.AckPubAck(c, id); err != nil {
		t.Fatalf("AckPubAck: %v", err)
	}
	if c.QueueDepth() != 0 {
		t.Fatalf("expected queued message drained into window, depth=%d", c.QueueDepth())
	}
	if len(c.InflightOut) != MaxInflightWindow {
		t.Fatalf("expected window to stay full after drain, got %d", len(c.InflightOut))
	}
}

func TestRetryResendsStaleInflight(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, RetryIntervalTicks)
	c := session.NewClient("c1", session.VariantMQTT)

	p.StartOrQueuePublish(c, newMsg(model.QoS1), model.PriorityNormal)
	sender.sent = nil

	if err := p.Retry(c, RetryIntervalTicks); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Fatalf("expected resend, got %d sends", len(sender.sent))
	}
	if !c.InflightOut[0].Dup {
		t.Fatalf("expected Dup set on resend")
	}
}

func TestRetryResendsPubrelNotPublishPastPubrec(t *testing.T) {
	sender := &fakeSender{}
	p := New(sender, RetryIntervalTicks)
	c := session.NewClient("c1", session.VariantMQTT)

	p.StartOrQueuePublish(c, newMsg(model.QoS2), model.PriorityNormal)
	id := c.InflightOut[0].MsgID
	p.AckPubRec(c, id)
	sender.sent = nil

	if err := p.Retry(c, RetryIntervalTicks); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Fatalf("expected no PUBLISH resend once past PUBREC, got %d", len(sender.sent))
	}
	if len(sender.pubrels) != 1 || sender.pubrels[0] != id {
		t.Fatalf("expected one PUBREL resend for id %d, got %v", id, sender.pubrels)
	}
}
