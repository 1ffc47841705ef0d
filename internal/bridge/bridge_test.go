package bridge

import (
	"testing"
	"time"

	mqttwire "github.com/nilsen/cindermq/internal/wire/mqtt"
)

func TestTopicRuleRewrite(t *testing.T) {
	r := TopicRule{LocalPrefix: "local/", RemotePrefix: "remote/"}
	if got := r.rewriteOut("local/a/b"); got != "remote/a/b" {
		t.Fatalf("rewriteOut: got %q", got)
	}
	if got := r.rewriteIn("remote/a/b"); got != "local/a/b" {
		t.Fatalf("rewriteIn: got %q", got)
	}
}

func TestNextBackoffSaturates(t *testing.T) {
	exp := 0
	var wait time.Duration
	for i := 0; i < 6; i++ {
		exp, wait = nextBackoff(exp)
	}
	if exp != 3 {
		t.Fatalf("expected exponent to saturate at 3, got %d", exp)
	}
	if wait != baseBackoff<<3 {
		t.Fatalf("expected wait capped at 8x base, got %v", wait)
	}
}

func TestMatchesWildcard(t *testing.T) {
	if !matches("a/#", "a/b/c") {
		t.Fatalf("expected a/# to match a/b/c")
	}
	if matches("a/b", "a/c") {
		t.Fatalf("expected a/b to not match a/c")
	}
}

type recordingPublisher struct {
	topics []string
	states []string
}

func (r *recordingPublisher) PublishLocal(topic string, qos byte, retain bool, payload []byte) {
	r.topics = append(r.topics, topic)
	r.states = append(r.states, string(payload))
}

func TestForwardWakesLazyBridge(t *testing.T) {
	cfg := Config{
		ClientID:  "lazy-bridge",
		StartType: StartLazy,
		Topics:    []TopicRule{{Filter: "a/#", Direction: DirectionOut}},
	}
	c := New(cfg, &recordingPublisher{}, nil)

	select {
	case <-c.lazyTrigger:
		t.Fatalf("lazyTrigger closed before any matching Forward call")
	default:
	}

	c.Forward("a/b", 0, false, []byte("x"))

	select {
	case <-c.lazyTrigger:
	default:
		t.Fatalf("expected lazyTrigger to be closed after a matching Forward call")
	}
}

func TestShouldAutoStart(t *testing.T) {
	pub := &recordingPublisher{}
	auto := New(Config{StartType: StartAutomatic}, pub, nil)
	if !auto.ShouldAutoStart() {
		t.Fatalf("expected StartAutomatic to auto-start")
	}
	manual := New(Config{StartType: StartManual}, pub, nil)
	if manual.ShouldAutoStart() {
		t.Fatalf("expected StartManual not to auto-start")
	}
}

func TestNotifyTopicDefault(t *testing.T) {
	cfg := Config{ClientID: "br1"}
	if got := cfg.notifyTopic(); got != "$SYS/broker/connection/br1/state" {
		t.Fatalf("unexpected default notify topic: %q", got)
	}
	cfg.NotifyTopic = "custom/topic"
	if got := cfg.notifyTopic(); got != "custom/topic" {
		t.Fatalf("expected configured notify topic to win, got %q", got)
	}
}

func TestForwardMatchesLocalPrefixAndRewrites(t *testing.T) {
	cfg := Config{
		ClientID: "br1",
		Topics: []TopicRule{{
			Filter:       "data/#",
			Direction:    DirectionBoth,
			LocalPrefix:  "site/",
			RemotePrefix: "",
		}},
	}
	c := New(cfg, &recordingPublisher{}, nil)

	c.Forward("site/data/x", 0, false, []byte("v"))
	select {
	case m := <-c.outbound:
		if m.topic != "data/x" {
			t.Fatalf("expected local prefix stripped for the remote side, got %q", m.topic)
		}
	default:
		t.Fatalf("expected publish on site/data/x to match the bridge rule")
	}

	c.Forward("data/x", 0, false, []byte("v"))
	select {
	case m := <-c.outbound:
		t.Fatalf("unprefixed local topic must not match, forwarded %q", m.topic)
	default:
	}
}

func TestForwardNeverForwardsSysTopics(t *testing.T) {
	cfg := Config{
		ClientID: "br1",
		Topics:   []TopicRule{{Filter: "#", Direction: DirectionOut}},
	}
	c := New(cfg, &recordingPublisher{}, nil)

	c.Forward("$SYS/broker/uptime", 0, true, []byte("5"))
	select {
	case m := <-c.outbound:
		t.Fatalf("$SYS topic leaked to the bridge: %q", m.topic)
	default:
	}
}

func TestDeliverInboundRewritesToLocalPrefix(t *testing.T) {
	pub := &recordingPublisher{}
	cfg := Config{
		ClientID: "br1",
		Topics: []TopicRule{{
			Filter:       "data/#",
			Direction:    DirectionBoth,
			LocalPrefix:  "site/",
			RemotePrefix: "",
		}},
	}
	c := New(cfg, pub, nil)

	c.deliverInbound(&mqttwire.PublishPacket{Topic: "data/y", Payload: []byte("v")})
	if len(pub.topics) != 1 || pub.topics[0] != "site/data/y" {
		t.Fatalf("expected inbound data/y delivered locally as site/data/y, got %v", pub.topics)
	}
}

func TestForwardPreservesQoS(t *testing.T) {
	cfg := Config{
		ClientID: "br1",
		Topics:   []TopicRule{{Filter: "data/#", Direction: DirectionBoth}},
	}
	c := New(cfg, &recordingPublisher{}, nil)

	c.Forward("data/x", 1, false, []byte("v"))
	select {
	case m := <-c.outbound:
		if m.qos != 1 {
			t.Fatalf("expected forwarded message to keep qos 1, got %d", m.qos)
		}
	default:
		t.Fatalf("expected forwarded message")
	}
}

func TestBuildPublishKeepsQoSAndNumbersFlows(t *testing.T) {
	c := New(Config{ClientID: "br1"}, &recordingPublisher{}, nil)

	pp := c.buildPublish(outboundMsg{topic: "data/x", qos: 0, payload: []byte("v")})
	if pp.QoS != 0 || pp.PacketID != nil {
		t.Fatalf("qos 0 publish must carry no packet id, got %+v", pp)
	}

	pp = c.buildPublish(outboundMsg{topic: "data/x", qos: 2, payload: []byte("v")})
	if pp.QoS != 2 {
		t.Fatalf("expected qos preserved, got %d", pp.QoS)
	}
	if pp.PacketID == nil || *pp.PacketID == 0 {
		t.Fatalf("expected nonzero packet id for qos 2, got %+v", pp.PacketID)
	}
	first := *pp.PacketID

	pp = c.buildPublish(outboundMsg{topic: "data/x", qos: 1, payload: []byte("v")})
	if pp.PacketID == nil || *pp.PacketID == first {
		t.Fatalf("expected a fresh packet id per flow, got %+v after %d", pp.PacketID, first)
	}
}
