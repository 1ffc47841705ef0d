package persistence

import (
	"path/filepath"
	"testing"

	"github.com/nilsen/cindermq/internal/model"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	base := filepath.Join(t.TempDir(), "broker")
	s := New(base)

	snap := Snapshot{
		Retained: []RetainedRecord{
			{Payload: []byte("hello"), QoS: model.QoS1, Topic: "a/b"},
		},
		Subscriptions: []SubscriptionRecord{
			{ClientID: "c1", NoLocal: true, QoS: model.QoS2, Topic: "a/+"},
		},
	}

	if err := s.Save(snap); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Retained) != 1 || got.Retained[0].Topic != "a/b" {
		t.Fatalf("unexpected retained: %+v", got.Retained)
	}
	if len(got.Subscriptions) != 1 || got.Subscriptions[0].ClientID != "c1" {
		t.Fatalf("unexpected subscriptions: %+v", got.Subscriptions)
	}
}

func TestSaveRotatesBackups(t *testing.T) {
	base := filepath.Join(t.TempDir(), "broker")
	s := New(base)

	for i := 0; i < 3; i++ {
		snap := Snapshot{Retained: []RetainedRecord{{Payload: []byte{byte(i)}, Topic: "t"}}}
		if err := s.Save(snap); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Retained) != 1 || got.Retained[0].Payload[0] != 2 {
		t.Fatalf("expected latest generation, got %+v", got.Retained)
	}
}

func TestLoadEmptyStore(t *testing.T) {
	base := filepath.Join(t.TempDir(), "broker")
	s := New(base)

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(got.Retained) != 0 || len(got.Subscriptions) != 0 {
		t.Fatalf("expected empty snapshot, got %+v", got)
	}
}
