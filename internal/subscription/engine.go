// Package subscription implements the subscription engine: it indexes
// subscriptions by exact topic and by wildcard filter, keyed by namespace
// (user topics vs. the $SYS system namespace), and answers "who subscribes
// to T?" and "what retained publications match T?". Grounded in the
// teacher's SubscriptionTree/retained-message map but reshaped around the
// namespace split and most-specific-filter tie-break the wire protocol
// requires.
package subscription

import (
	"strings"
	"sync"

	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/internal/topicfilter"
)

const systemPrefix = "$SYS/"

// Subscription is one (client_id, topic) entry in a namespace.
type Subscription struct {
	ClientID string
	Topic    string // concrete topic or filter
	QoS      model.QoS
	NoLocal  bool
	Durable  bool
	Priority model.Priority

	wildcards bool
}

// Subscriber describes a match returned by GetSubscribers.
type Subscriber struct {
	ClientID     string
	QoS          model.QoS
	Priority     model.Priority
	TopicMatched string
}

type namespace struct {
	mu        sync.RWMutex
	exact     map[string]map[string]*Subscription // topic -> clientID -> sub
	wildcard  []*Subscription
	retained  map[string]*model.RetainedMessage
	isSystem  bool
}

func newNamespace(isSystem bool) *namespace {
	return &namespace{
		exact:    make(map[string]map[string]*Subscription),
		retained: make(map[string]*model.RetainedMessage),
		isSystem: isSystem,
	}
}

// Engine holds the user and system namespaces.
type Engine struct {
	user   *namespace
	system *namespace
}

// New creates an empty subscription engine.
func New() *Engine {
	return &Engine{
		user:   newNamespace(false),
		system: newNamespace(true),
	}
}

func (e *Engine) namespaceFor(topic string) *namespace {
	if strings.HasPrefix(topic, systemPrefix) {
		return e.system
	}
	return e.user
}

// Subscribe upserts a subscription keyed by (client_id, topic) and reports
// whether the tuple was newly added or any attribute changed.
func (e *Engine) Subscribe(clientID, topic string, qos model.QoS, noLocal, durable bool, priority model.Priority) bool {
	ns := e.namespaceFor(topic)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	wildcards := topicfilter.HasWildcards(topic)

	existing := ns.find(clientID, topic)
	if existing != nil {
		changed := existing.QoS != qos || existing.NoLocal != noLocal ||
			existing.Durable != durable || existing.Priority != priority
		existing.QoS = qos
		existing.NoLocal = noLocal
		existing.Durable = durable
		existing.Priority = priority
		return changed
	}

	sub := &Subscription{
		ClientID:  clientID,
		Topic:     topic,
		QoS:       qos,
		NoLocal:   noLocal,
		Durable:   durable,
		Priority:  priority,
		wildcards: wildcards,
	}

	if wildcards {
		ns.wildcard = append(ns.wildcard, sub)
	} else {
		byClient := ns.exact[topic]
		if byClient == nil {
			byClient = make(map[string]*Subscription)
			ns.exact[topic] = byClient
		}
		byClient[clientID] = sub
	}
	return true
}

// find is called with ns.mu held.
func (ns *namespace) find(clientID, topic string) *Subscription {
	if byClient, ok := ns.exact[topic]; ok {
		if sub, ok := byClient[clientID]; ok {
			return sub
		}
	}
	for _, sub := range ns.wildcard {
		if sub.ClientID == clientID && sub.Topic == topic {
			return sub
		}
	}
	return nil
}

// Unsubscribe removes one (client_id, topic) entry. If topic is the
// universal wildcard for the namespace ("#" for user, "$SYS/#" handled the
// same way within the system namespace) it removes all subscriptions for
// the client in that namespace.
func (e *Engine) Unsubscribe(clientID, topic string) {
	ns := e.namespaceFor(topic)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if topic == "#" || topic == systemPrefix+"#" {
		for t, byClient := range ns.exact {
			delete(byClient, clientID)
			if len(byClient) == 0 {
				delete(ns.exact, t)
			}
		}
		remaining := ns.wildcard[:0]
		for _, sub := range ns.wildcard {
			if sub.ClientID != clientID {
				remaining = append(remaining, sub)
			}
		}
		ns.wildcard = remaining
		return
	}

	if byClient, ok := ns.exact[topic]; ok {
		delete(byClient, clientID)
		if len(byClient) == 0 {
			delete(ns.exact, topic)
		}
		return
	}

	for i, sub := range ns.wildcard {
		if sub.ClientID == clientID && sub.Topic == topic {
			ns.wildcard = append(ns.wildcard[:i], ns.wildcard[i+1:]...)
			return
		}
	}
}

// UnsubscribeAll removes every subscription for a client across both
// namespaces, used on non-durable session teardown.
func (e *Engine) UnsubscribeAll(clientID string) {
	for _, ns := range []*namespace{e.user, e.system} {
		ns.mu.Lock()
		for t, byClient := range ns.exact {
			delete(byClient, clientID)
			if len(byClient) == 0 {
				delete(ns.exact, t)
			}
		}
		remaining := ns.wildcard[:0]
		for _, sub := range ns.wildcard {
			if sub.ClientID != clientID {
				remaining = append(remaining, sub)
			}
		}
		ns.wildcard = remaining
		ns.mu.Unlock()
	}
}

// GetSubscribers returns the set of subscribers whose filter matches topic,
// excluding no_local subscriptions belonging to originatorID. When a client
// has multiple matching filters, only the most-specific match is kept.
func (e *Engine) GetSubscribers(topic, originatorID string) []Subscriber {
	ns := e.namespaceFor(topic)
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	best := make(map[string]*Subscription)

	consider := func(sub *Subscription) {
		if sub.NoLocal && sub.ClientID == originatorID {
			return
		}
		cur, ok := best[sub.ClientID]
		if !ok || topicfilter.MoreSpecific(sub.Topic, cur.Topic) {
			best[sub.ClientID] = sub
		}
	}

	if byClient, ok := ns.exact[topic]; ok {
		for _, sub := range byClient {
			consider(sub)
		}
	}
	for _, sub := range ns.wildcard {
		if topicfilter.Matches(sub.Topic, topic) {
			consider(sub)
		}
	}

	out := make([]Subscriber, 0, len(best))
	for _, sub := range best {
		out = append(out, Subscriber{
			ClientID:     sub.ClientID,
			QoS:          sub.QoS,
			Priority:     sub.Priority,
			TopicMatched: sub.Topic,
		})
	}
	return out
}

// SetRetained stores or clears the retained message for a concrete topic.
// It is a no-op if topic contains wildcards; an empty payload removes the
// entry (invariant I5: a retained message is never stored empty).
func (e *Engine) SetRetained(topic string, qos model.QoS, payload []byte) {
	if topicfilter.HasWildcards(topic) {
		return
	}
	ns := e.namespaceFor(topic)
	ns.mu.Lock()
	defer ns.mu.Unlock()

	if len(payload) == 0 {
		// System-namespace retaineds can never be cleared.
		if !ns.isSystem {
			delete(ns.retained, topic)
		}
		return
	}
	ns.retained[topic] = &model.RetainedMessage{Topic: topic, Payload: payload, QoS: qos}
}

// GetRetained returns all retained messages whose topic matches filter.
func (e *Engine) GetRetained(filter string) []*model.RetainedMessage {
	ns := e.namespaceFor(filter)
	ns.mu.RLock()
	defer ns.mu.RUnlock()

	var out []*model.RetainedMessage
	for topic, rm := range ns.retained {
		if topicfilter.Matches(filter, topic) {
			out = append(out, rm)
		}
	}
	return out
}

// ClearRetained removes retained entries matching filter. System-namespace
// retaineds can never be cleared.
func (e *Engine) ClearRetained(filter string) {
	ns := e.namespaceFor(filter)
	if ns.isSystem {
		return
	}
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for topic := range ns.retained {
		if topicfilter.Matches(filter, topic) {
			delete(ns.retained, topic)
		}
	}
}

// ClientSubscriptions returns a snapshot of every subscription a client
// holds across both namespaces, used for persistence and diagnostics.
func (e *Engine) ClientSubscriptions(clientID string) []Subscription {
	var out []Subscription
	for _, ns := range []*namespace{e.user, e.system} {
		ns.mu.RLock()
		for _, byClient := range ns.exact {
			if sub, ok := byClient[clientID]; ok {
				out = append(out, *sub)
			}
		}
		for _, sub := range ns.wildcard {
			if sub.ClientID == clientID {
				out = append(out, *sub)
			}
		}
		ns.mu.RUnlock()
	}
	return out
}

// CountSubscriptions reports the total number of live subscriptions
// across both namespaces, durable or not, for the $SYS publisher.
func (e *Engine) CountSubscriptions() int {
	n := 0
	for _, ns := range []*namespace{e.user, e.system} {
		ns.mu.RLock()
		for _, byClient := range ns.exact {
			n += len(byClient)
		}
		n += len(ns.wildcard)
		ns.mu.RUnlock()
	}
	return n
}

// AllRetained returns every retained message in the user namespace, for
// writing a persistence snapshot. $SYS retained entries are recomputed
// from live counters on restart rather than persisted.
func (e *Engine) AllRetained() []model.RetainedMessage {
	e.user.mu.RLock()
	defer e.user.mu.RUnlock()
	out := make([]model.RetainedMessage, 0, len(e.user.retained))
	for _, rm := range e.user.retained {
		out = append(out, *rm)
	}
	return out
}

// AllDurableSubscriptions returns every durable subscription in the user
// namespace, for writing a persistence snapshot.
func (e *Engine) AllDurableSubscriptions() []Subscription {
	e.user.mu.RLock()
	defer e.user.mu.RUnlock()
	var out []Subscription
	for _, byClient := range e.user.exact {
		for _, sub := range byClient {
			if sub.Durable {
				out = append(out, *sub)
			}
		}
	}
	for _, sub := range e.user.wildcard {
		if sub.Durable {
			out = append(out, *sub)
		}
	}
	return out
}
