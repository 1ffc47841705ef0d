// Package acl implements the ACL predicate described in spec §4.9: for
// an authenticated user (or nil for anonymous) plus a topic and an
// operation, answer allow/deny. The rule file format is loaded with
// yaml.v3, matching the teacher's cmd/goqtt/main.go choice of yaml for
// its own config file rather than introducing a second format.
package acl

import (
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nilsen/cindermq/internal/topicfilter"
	"github.com/nilsen/cindermq/pkg/er"
)

// Op is the permission being checked: a subscribe checks Read, a
// publish checks Write.
type Op int

const (
	Read Op = iota
	Write
)

// Permission is one ACL rule's granted access.
type Permission int

const (
	PermNone Permission = iota
	PermRead
	PermWrite
	PermFull
)

func (p Permission) allows(op Op) bool {
	switch p {
	case PermFull:
		return true
	case PermRead:
		return op == Read
	case PermWrite:
		return op == Write
	default:
		return false
	}
}

// Rule is one line of the ACL file: a topic filter and the permission
// it grants.
type Rule struct {
	Topic      string `yaml:"topic"`
	Permission string `yaml:"permission"`
}

// UserRules is a named user's rule list.
type UserRules struct {
	Username string `yaml:"username"`
	Rules    []Rule `yaml:"rules"`
}

// file is the on-disk shape of the ACL file.
type file struct {
	Defaults []Rule      `yaml:"defaults"`
	Users    []UserRules `yaml:"users"`
}

// compiledRule is a Rule with its permission parsed and topic
// pre-validated: READ rules may not use '+' and may use '#' only as a
// trailing wildcard, per §4.9.
type compiledRule struct {
	topic      string
	permission Permission
}

// ACL holds the compiled default and per-user rule lists.
type ACL struct {
	defaults []compiledRule
	users    map[string][]compiledRule
}

// Load reads and compiles an ACL file.
func Load(path string) (*ACL, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &er.Err{Context: "acl.Load", Message: err}
	}
	var f file
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, &er.Err{Context: "acl.Load", Message: er.ErrACLFileMalformed}
	}
	return compile(&f)
}

func compile(f *file) (*ACL, error) {
	a := &ACL{users: make(map[string][]compiledRule)}

	defaults, err := compileRules(f.Defaults)
	if err != nil {
		return nil, err
	}
	a.defaults = defaults

	for _, u := range f.Users {
		rules, err := compileRules(u.Rules)
		if err != nil {
			return nil, err
		}
		a.users[u.Username] = rules
	}
	return a, nil
}

func compileRules(rules []Rule) ([]compiledRule, error) {
	out := make([]compiledRule, 0, len(rules))
	for _, r := range rules {
		perm, err := parsePermission(r.Permission)
		if err != nil {
			return nil, err
		}
		if err := topicfilter.Valid(r.Topic); err != nil {
			return nil, err
		}
		if perm.allows(Read) && perm != PermWrite {
			if strings.Contains(r.Topic, "+") {
				return nil, &er.Err{Context: "acl.compileRules", Message: er.ErrACLFileMalformed}
			}
			if idx := strings.IndexByte(r.Topic, '#'); idx >= 0 && idx != len(r.Topic)-1 {
				return nil, &er.Err{Context: "acl.compileRules", Message: er.ErrACLFileMalformed}
			}
		}
		out = append(out, compiledRule{topic: r.Topic, permission: perm})
	}
	return out, nil
}

func parsePermission(s string) (Permission, error) {
	switch strings.ToUpper(s) {
	case "FULL":
		return PermFull, nil
	case "READ":
		return PermRead, nil
	case "WRITE":
		return PermWrite, nil
	default:
		return PermNone, &er.Err{Context: "acl.parsePermission", Message: er.ErrACLFileMalformed}
	}
}

// Allow reports whether user (nil for anonymous) may perform op against
// topic. Per-user rules are consulted first, falling back to defaults.
func (a *ACL) Allow(user *string, topic string, op Op) bool {
	if a == nil {
		return true
	}
	if user != nil {
		if rules, ok := a.users[*user]; ok {
			if allowed, matched := evalRules(rules, topic, op); matched {
				return allowed
			}
		}
	}
	allowed, _ := evalRules(a.defaults, topic, op)
	return allowed
}

func evalRules(rules []compiledRule, topic string, op Op) (allowed bool, matched bool) {
	for _, r := range rules {
		if topicfilter.Matches(r.topic, topic) {
			matched = true
			if r.permission.allows(op) {
				allowed = true
			}
		}
	}
	return allowed, matched
}
