// Package topicfilter implements MQTT topic-name and topic-filter validation
// and wildcard matching, shared by the MQTT and MQTT-SN protocol state
// machines and the subscription engine.
package topicfilter

import (
	"strings"
	"unicode/utf8"

	"github.com/nilsen/cindermq/pkg/er"
)

// Valid reports whether filter is a syntactically correct topic filter:
// '#' appears at most once, only as the whole string or as the final level;
// '+' occupies a whole level. Returns a descriptive error on violation.
func Valid(filter string) error {
	if filter == "" {
		return &er.Err{Context: "topicfilter.Valid", Message: er.ErrEmptyTopicFilter}
	}
	if !utf8.ValidString(filter) {
		return &er.Err{Context: "topicfilter.Valid", Message: er.ErrInvalidUTF8TopicFilter}
	}
	for _, r := range filter {
		if r == 0 {
			return &er.Err{Context: "topicfilter.Valid", Message: er.ErrNullCharacterInTopicFilter}
		}
	}
	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") {
			if level != "#" {
				return &er.Err{Context: "topicfilter.Valid", Message: er.ErrInvalidMultiLevelWildcard}
			}
			if i != len(levels)-1 {
				return &er.Err{Context: "topicfilter.Valid", Message: er.ErrMultiLevelWildcardNotLast}
			}
		}
		if strings.Contains(level, "+") && level != "+" {
			return &er.Err{Context: "topicfilter.Valid", Message: er.ErrInvalidSingleLevelWildcard}
		}
	}
	return nil
}

// ValidName validates a concrete publish topic: non-empty, valid UTF-8,
// no NUL or control characters, no wildcards. Empty levels (as in
// "a//b") are not rejected.
func ValidName(name string) error {
	if name == "" {
		return &er.Err{Context: "topicfilter.ValidName", Message: er.ErrEmptyTopic}
	}
	if !utf8.ValidString(name) {
		return &er.Err{Context: "topicfilter.ValidName", Message: er.ErrInvalidUTF8Topic}
	}
	for _, r := range name {
		if r == 0 {
			return &er.Err{Context: "topicfilter.ValidName", Message: er.ErrNullCharacterInTopic}
		}
		if (r >= 0x0001 && r <= 0x001F) || (r >= 0x007F && r <= 0x009F) {
			return &er.Err{Context: "topicfilter.ValidName", Message: er.ErrControlCharacterInTopic}
		}
	}
	if HasWildcards(name) {
		return &er.Err{Context: "topicfilter.ValidName", Message: er.ErrWildcardsNotAllowedInPublish}
	}
	return nil
}

// HasWildcards reports whether name contains '+' or '#'.
func HasWildcards(name string) bool {
	return strings.ContainsAny(name, "+#")
}

// Matches reports whether the concrete topic name matches filter.
// The right-hand side (name) must be concrete; behavior is undefined
// (but harmless) if it contains wildcard characters.
func Matches(filter, name string) bool {
	if filter == "#" {
		return true
	}

	fLevels := strings.Split(filter, "/")
	nLevels := strings.Split(name, "/")

	i := 0
	for ; i < len(fLevels); i++ {
		if fLevels[i] == "#" {
			return true
		}
		if i >= len(nLevels) {
			return false
		}
		if fLevels[i] == "+" {
			continue
		}
		if fLevels[i] != nLevels[i] {
			return false
		}
	}
	return i == len(nLevels)
}

// SpecificityOffset returns the byte offset of the first wildcard character
// in filter, or len(filter) if it contains none. Used by "most specific
// filter wins" tie-breaking: a greater offset is more specific, and at
// equal offsets '+' is more specific than '#'.
func SpecificityOffset(filter string) int {
	idx := strings.IndexAny(filter, "+#")
	if idx < 0 {
		return len(filter)
	}
	return idx
}

// MoreSpecific reports whether filter a is strictly more specific than b
// under the rule in SpecificityOffset, with '+' beating '#' at a tie.
func MoreSpecific(a, b string) bool {
	oa, ob := SpecificityOffset(a), SpecificityOffset(b)
	if oa != ob {
		return oa > ob
	}
	aIsHash := strings.HasSuffix(a, "#") && (len(a) == 1 || a[len(a)-2] == '/')
	bIsHash := strings.HasSuffix(b, "#") && (len(b) == 1 || b[len(b)-2] == '/')
	if aIsHash == bIsHash {
		return false
	}
	return bIsHash
}
