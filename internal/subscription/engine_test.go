package subscription

import (
	"testing"

	"github.com/nilsen/cindermq/internal/model"
)

func TestSubscribeIdempotent(t *testing.T) {
	e := New()
	changed1 := e.Subscribe("c1", "a/b", model.QoS1, false, false, model.PriorityNormal)
	changed2 := e.Subscribe("c1", "a/b", model.QoS1, false, false, model.PriorityNormal)
	if !changed1 {
		t.Fatalf("first subscribe should report changed=true")
	}
	if changed2 {
		t.Fatalf("identical second subscribe should report changed=false")
	}
}

func TestGetSubscribersMostSpecific(t *testing.T) {
	e := New()
	e.Subscribe("c1", "a/#", model.QoS0, false, false, model.PriorityNormal)
	e.Subscribe("c1", "a/+", model.QoS2, false, false, model.PriorityHigh)

	subs := e.GetSubscribers("a/b", "")
	if len(subs) != 1 {
		t.Fatalf("expected 1 subscriber, got %d", len(subs))
	}
	if subs[0].TopicMatched != "a/+" {
		t.Errorf("expected most-specific filter a/+ to win, got %s", subs[0].TopicMatched)
	}
	if subs[0].QoS != model.QoS2 {
		t.Errorf("expected qos from most-specific filter, got %d", subs[0].QoS)
	}
}

func TestNoLocalSuppression(t *testing.T) {
	e := New()
	e.Subscribe("c1", "a/#", model.QoS0, true, false, model.PriorityNormal)

	subs := e.GetSubscribers("a/b", "c1")
	if len(subs) != 0 {
		t.Fatalf("expected no_local subscriber to be suppressed for its own publish")
	}

	subs = e.GetSubscribers("a/b", "other")
	if len(subs) != 1 {
		t.Fatalf("expected subscriber to receive publishes from other clients")
	}
}

func TestUnsubscribeWildcardRemovesAll(t *testing.T) {
	e := New()
	e.Subscribe("c1", "a", model.QoS0, false, false, model.PriorityNormal)
	e.Subscribe("c1", "b/+", model.QoS0, false, false, model.PriorityNormal)
	e.Unsubscribe("c1", "#")

	if subs := e.GetSubscribers("a", ""); len(subs) != 0 {
		t.Errorf("expected all subscriptions removed, still have %v", subs)
	}
	if subs := e.GetSubscribers("b/x", ""); len(subs) != 0 {
		t.Errorf("expected all subscriptions removed, still have %v", subs)
	}
}

func TestRetainedSetClearGet(t *testing.T) {
	e := New()
	e.SetRetained("sensor/1", model.QoS1, []byte("42"))

	rms := e.GetRetained("sensor/+")
	if len(rms) != 1 || string(rms[0].Payload) != "42" {
		t.Fatalf("expected retained 42 on sensor/1, got %v", rms)
	}

	e.SetRetained("sensor/1", model.QoS1, nil)
	if rms := e.GetRetained("sensor/1"); len(rms) != 0 {
		t.Fatalf("expected empty-payload retain to clear entry, got %v", rms)
	}
}

func TestSetRetainedNoOpOnWildcard(t *testing.T) {
	e := New()
	e.SetRetained("sensor/+", model.QoS0, []byte("x"))
	if rms := e.GetRetained("sensor/+"); len(rms) != 0 {
		t.Fatalf("expected set_retained on a wildcard topic to be a no-op")
	}
}

func TestSystemNamespaceRetainedNotClearable(t *testing.T) {
	e := New()
	e.SetRetained("$SYS/broker/uptime", model.QoS0, []byte("1"))
	e.ClearRetained("$SYS/broker/uptime")
	if rms := e.GetRetained("$SYS/broker/uptime"); len(rms) != 1 {
		t.Fatalf("expected $SYS retained entry to survive ClearRetained")
	}
}
