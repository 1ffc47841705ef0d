package topicfilter

import "testing"

func TestValid(t *testing.T) {
	cases := []struct {
		filter string
		want   bool
	}{
		{"a/b/c", true},
		{"a/+/c", true},
		{"a/#", true},
		{"#", true},
		{"", false},
		{"a/#/c", false},
		{"a/b#", false},
		{"a/+b/c", false},
	}
	for _, c := range cases {
		err := Valid(c.filter)
		if got := err == nil; got != c.want {
			t.Errorf("Valid(%q) = %v, want %v", c.filter, got, c.want)
		}
	}
}

func TestMatches(t *testing.T) {
	cases := []struct {
		filter, name string
		want         bool
	}{
		{"sport/tennis/player1", "sport/tennis/player1", true},
		{"sport/tennis/player1", "sport/tennis/player2", false},
		{"sport/#", "sport", true},
		{"sport/#", "sport/tennis/player1", true},
		{"#", "anything/at/all", true},
		{"/#", "/foo/bar", true},
		{"/#", "foo/bar", false},
		{"+/tennis/#", "sport/tennis/player1", true},
		{"sport/+", "sport/tennis", true},
		{"sport/+", "sport/tennis/player1", false},
		{"sensor/+", "sensor/1", true},
	}
	for _, c := range cases {
		if got := Matches(c.filter, c.name); got != c.want {
			t.Errorf("Matches(%q, %q) = %v, want %v", c.filter, c.name, got, c.want)
		}
	}
}

func TestMatchesReflexiveOnConcreteTopics(t *testing.T) {
	topics := []string{"a", "a/b", "a/b/c", "sensor/1/temp"}
	for _, topic := range topics {
		if !Matches(topic, topic) {
			t.Errorf("Matches(%q, %q) = false, want true (reflexivity)", topic, topic)
		}
	}
}

func TestMoreSpecific(t *testing.T) {
	if !MoreSpecific("a/+", "a/#") {
		t.Errorf("a/+ should be more specific than a/# at equal offset")
	}
	if !MoreSpecific("a/b/+", "a/+") {
		t.Errorf("a/b/+ should be more specific than a/+")
	}
}
