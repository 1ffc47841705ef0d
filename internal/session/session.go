// Package session holds per-client state — the "Client session" record
// of the spec's data model — and the connected/disconnected indexes that
// track it across reconnects. Grounded in the teacher's internal/broker
// session.go (atomic.Value-swapped sessionMap), generalized from a single
// map to the connected/disconnected split §3 requires and extended with
// the inflight windows, queued-by-priority lists and MQTT-SN registration
// state the teacher's single-QoS-0 session never needed.
package session

import (
	"net"
	"sync"

	"github.com/nilsen/cindermq/internal/model"
)

// Variant names the wire protocol a client speaks.
type Variant int

const (
	VariantMQTT Variant = iota
	VariantMQTTSN
)

// ConnectState drives the MQTT-SN will-topic/will-message handshake
// substeps; MQTT clients only ever pass through Idle -> ConnackSent.
type ConnectState int

const (
	StateIdle ConnectState = iota
	StateAwaitingWillTopic
	StateAwaitingWillMsg
	StateConnackSent
)

// Registration is one MQTT-SN topic-id <-> topic-name binding.
type Registration struct {
	TopicID uint16
	Topic   string
	Pending bool // true between issuing REGISTER and receiving REGACK
}

// Will is the last-will-and-testament installed on CONNECT.
type Will struct {
	Topic   string
	Message []byte
	QoS     model.QoS
	Retain  bool
}

// Conn is the minimal connection surface the session store needs; both
// net.Conn (TCP/WebSocket) and the UDP per-remote-address pseudo-conn
// used for MQTT-SN satisfy it.
type Conn interface {
	Write(b []byte) (int, error)
	Close() error
	RemoteAddr() net.Addr
}

// Client is the per-session record described in spec §3, grouped the
// same way: identity, link, flags, windows, misc, MQTT-SN-only,
// bridge-only.
type Client struct {
	mu sync.Mutex

	// identity
	ClientID           string
	RemoteAddr         string
	AuthenticatedUser  *string

	// link
	Conn         Conn
	Variant      Variant
	ConnectState ConnectState

	// flags
	Connected    bool
	Good         bool
	Outbound     bool
	CleanSession bool
	NoLocal      bool
	PingOut      bool
	Closing      bool

	// windows
	InflightIn  []*model.Message
	InflightOut []*model.Message
	Queued      [model.PriorityMax]([]*model.Message)

	// misc
	NextMsgID     uint16
	KeepAlive     uint16
	LastContact   int64
	Will          *Will
	Discarded     int
	dispatching   bool

	// MQTT-SN only
	Registrations        []*Registration
	PendingRegistration  *Registration
	PendingSubscription  *uint16 // msg id of an outstanding SUBSCRIBE retry

	// bridge only
	BridgeName string

	// Outbox is the writer goroutine's drain queue — the Go rendition
	// of the pending-writes mechanism in §4.6: a full outbox is a
	// "would-block" write.
	Outbox chan []byte

	MountPoint string
}

// NewClient allocates a fresh, disconnected client record.
func NewClient(clientID string, variant Variant) *Client {
	return &Client{
		ClientID:  clientID,
		Variant:   variant,
		NextMsgID: 1,
		Outbox:    make(chan []byte, 64),
	}
}

// Lock/Unlock guard every mutable field below "identity"/"link": the
// windows, misc counters, will, registrations and connect/flag fields
// are all reachable concurrently — a client's own connection goroutine
// handling its acks, another client's connection goroutine fanning a
// publish out to this client, and the housekeeping goroutine's
// keepalive/retry sweeps all touch the same *Client (§5's single-writer
// discipline is preserved by this lock, not by a single goroutine).
// Methods below take c.mu themselves; Lock/Unlock are exported only for
// call sites that need to group several field reads/writes atomically
// (HandleConnect's handshake, CloseSession's teardown).
func (c *Client) Lock()   { c.mu.Lock() }
func (c *Client) Unlock() { c.mu.Unlock() }

// Touch records now as the last time any packet was received from the
// client, the clock the housekeeping ticker checks KeepAlive against.
func (c *Client) Touch(now int64) {
	c.mu.Lock()
	c.LastContact = now
	c.mu.Unlock()
}

// BeginDispatch marks c as currently being serviced by its reader
// goroutine; EndDispatch must be called when handling completes. Used
// to implement §4.4.5 step 1: a socket error racing with the same
// connection's own in-flight dispatch must not free the session out
// from under it.
func (c *Client) BeginDispatch() {
	c.mu.Lock()
	c.dispatching = true
	c.mu.Unlock()
}

// EndDispatch clears the reentrancy guard set by BeginDispatch.
func (c *Client) EndDispatch() {
	c.mu.Lock()
	c.dispatching = false
	c.mu.Unlock()
}

// IsDispatching reports whether c is mid-dispatch; CloseSession defers
// to this before freeing the session.
func (c *Client) IsDispatching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dispatching
}

// IsStale reports whether nowUnix is more than twice KeepAlive past
// LastContact, per §4.5's inbound-connection keepalive rule. Returns
// false for KeepAlive==0 (keepalive disabled).
func (c *Client) IsStale(nowUnix int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.KeepAlive == 0 {
		return false
	}
	return nowUnix-c.LastContact > 2*int64(c.KeepAlive)
}

// QueueDepth returns the total number of not-yet-inflight messages
// across all priorities.
func (c *Client) QueueDepth() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.queueDepthLocked()
}

func (c *Client) queueDepthLocked() int {
	n := 0
	for _, q := range c.Queued {
		n += len(q)
	}
	return n
}

// NextMessageID allocates the next free message id, starting at
// NextMsgID and incrementing modulo 65535 (never 0), skipping any value
// already present in InflightOut, per §4.4.3.
func (c *Client) NextMessageID() (uint16, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextMessageIDLocked()
}

func (c *Client) nextMessageIDLocked() (uint16, bool) {
	start := c.NextMsgID
	id := start
	for i := 0; i < 65535; i++ {
		if !c.idInUseLocked(id) {
			c.NextMsgID = id + 1
			if c.NextMsgID == 0 {
				c.NextMsgID = 1
			}
			return id, true
		}
		id++
		if id == 0 {
			id = 1
		}
		if id == start {
			break
		}
	}
	return 0, false
}

// TryAdmitInflight attempts to admit m onto c's inflight-out window: if
// room remains (under maxWindow, per I1), it allocates a message id,
// appends m to InflightOut under a single critical section and reports
// true; otherwise it reports false without mutating anything, so the
// caller can fall back to queuing. Check-and-append happen atomically so
// two concurrent fan-outs delivering to the same client can never both
// observe room and together exceed maxWindow.
func (c *Client) TryAdmitInflight(m *model.Message, maxWindow int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.InflightOut) >= maxWindow {
		return false
	}
	id, ok := c.nextMessageIDLocked()
	if !ok {
		return false
	}
	m.MsgID = id
	c.InflightOut = append(c.InflightOut, m)
	return true
}

// InflightOutLen reports the current size of the inflight-out window.
func (c *Client) InflightOutLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.InflightOut)
}

// EnqueueQueued appends m to the prio bucket. If the total queued depth
// is already at or above maxQueued, one message is first discarded from
// the lowest non-empty priority bucket (§4.6); the discarded message is
// returned so the caller can release its publication reference outside
// the lock. The depth check and the discard-then-append happen under
// one critical section so concurrent enqueues can't jointly overshoot
// maxQueued before either notices.
func (c *Client) EnqueueQueued(prio model.Priority, m *model.Message, maxQueued int) (discarded *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.queueDepthLocked() >= maxQueued {
		discarded = c.discardLowestPriorityLocked()
		c.Discarded++
	}
	c.Queued[prio] = append(c.Queued[prio], m)
	return discarded
}

func (c *Client) discardLowestPriorityLocked() *model.Message {
	for prio := model.PriorityLow; prio < model.PriorityMax; prio++ {
		if len(c.Queued[prio]) > 0 {
			m := c.Queued[prio][0]
			c.Queued[prio] = c.Queued[prio][1:]
			return m
		}
	}
	return nil
}

// DiscardedOverThreshold reports whether the client has discarded more
// queued messages than threshold, the §4.6 "client is broken" trigger.
func (c *Client) DiscardedOverThreshold(threshold int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.Discarded > threshold
}

// PopHighestPriorityQueuedWithPriority removes and returns the head of
// the highest-priority non-empty queued bucket, along with which
// bucket it came from so a failed admit can push it back to the same
// place (see PushFrontQueued).
func (c *Client) PopHighestPriorityQueuedWithPriority() (*model.Message, model.Priority, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for prio := model.PriorityMax - 1; prio >= model.PriorityLow; prio-- {
		if len(c.Queued[prio]) > 0 {
			m := c.Queued[prio][0]
			c.Queued[prio] = c.Queued[prio][1:]
			return m, prio, true
		}
	}
	return nil, 0, false
}

// PushFrontQueued puts m back at the head of prio's bucket; used when an
// admit attempt raced with a concurrent one and lost after the message
// was already popped off the queue.
func (c *Client) PushFrontQueued(prio model.Priority, m *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Queued[prio] = append([]*model.Message{m}, c.Queued[prio]...)
}

// DueForRetry returns every inflight-out entry whose LastTouch is at
// least interval old, stamping LastTouch=now on each and Dup=true on
// the ones awaiting PUBACK/PUBREC (entries awaiting PUBCOMP are resent
// as PUBREL, which carries no dup bit). The scan and the stamping
// happen under one lock so a concurrent ack can't remove an entry
// between this being marked due and the caller resending it.
func (c *Client) DueForRetry(now, interval int64) []*model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var due []*model.Message
	for _, m := range c.InflightOut {
		if now-m.LastTouch < interval {
			continue
		}
		m.LastTouch = now
		if m.Next != model.ExpectPubComp {
			m.Dup = true
		}
		due = append(due, m)
	}
	return due
}

func (c *Client) idInUseLocked(id uint16) bool {
	for _, m := range c.InflightOut {
		if m.MsgID == id {
			return true
		}
	}
	return false
}

// FindInflightOut returns the inflight-out message with the given id,
// or nil.
func (c *Client) FindInflightOut(id uint16) *model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.InflightOut {
		if m.MsgID == id {
			return m
		}
	}
	return nil
}

// RemoveInflightOut removes and returns the inflight-out message with
// the given id, reporting whether it was found.
func (c *Client) RemoveInflightOut(id uint16) (*model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.InflightOut {
		if m.MsgID == id {
			c.InflightOut = append(c.InflightOut[:i], c.InflightOut[i+1:]...)
			return m, true
		}
	}
	return nil, false
}

// UpsertInflightIn stores the publication for an inbound QoS-2 PUBLISH
// keyed by id: a fresh id gets a new inflight-in entry awaiting PUBREL,
// a repeated id (duplicate PUBLISH) has its stored publication swapped
// in place while the entry itself survives (§4.4.3 "replace the stored
// publication contents but keep the inflight entry"). The publication
// replaced, if any, is returned so the caller can release it.
func (c *Client) UpsertInflightIn(id uint16, pub *model.Publication) (prior *model.Publication) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.InflightIn {
		if m.MsgID == id {
			prior = m.Pub
			m.Pub = pub
			return prior
		}
	}
	c.InflightIn = append(c.InflightIn, &model.Message{
		MsgID:  id,
		QoS:    pub.QoS,
		Retain: pub.Retain,
		Pub:    pub,
		Next:   model.ExpectPubRel,
	})
	return nil
}

// RemoveInflightIn removes and returns the inbound QoS-2 entry for id,
// reporting whether one was found.
func (c *Client) RemoveInflightIn(id uint16) (*model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, m := range c.InflightIn {
		if m.MsgID == id {
			c.InflightIn = append(c.InflightIn[:i], c.InflightIn[i+1:]...)
			return m, true
		}
	}
	return nil, false
}

// DropQueuedQoS0 removes QoS-0 queued messages from every priority
// list; called on disconnect with clean_session=0 per §4.4.5 step 8.
func (c *Client) DropQueuedQoS0() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for p := range c.Queued {
		kept := c.Queued[p][:0]
		for _, m := range c.Queued[p] {
			if m.QoS != model.QoS0 {
				kept = append(kept, m)
			} else {
				m.Pub.Release()
			}
		}
		c.Queued[p] = kept
	}
}

// ResetForCleanSession drops all queued/inflight state, the will, and
// registration table, and resets counters — §4.4.1 step 7.
func (c *Client) ResetForCleanSession() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.Queued {
		c.Queued[i] = nil
	}
	c.InflightIn = nil
	c.InflightOut = nil
	c.Will = nil
	c.NextMsgID = 1
	c.Discarded = 0
	c.PingOut = false
	c.Registrations = nil
	c.PendingRegistration = nil
	c.PendingSubscription = nil
}

// TouchAllInflightOutForResend sets LastTouch to 0 on every inflight
// outbound message so Retry() resends them immediately — §4.4.1 step 10,
// used when a clean_session=0 client reattaches.
func (c *Client) TouchAllInflightOutForResend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, m := range c.InflightOut {
		m.LastTouch = 0
		m.Dup = true
	}
}

// FindRegistrationByTopic returns the registration for topic, or nil.
func (c *Client) FindRegistrationByTopic(topic string) *Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.Registrations {
		if r.Topic == topic {
			return r
		}
	}
	return nil
}

// FindRegistrationByID returns the registration for a topic id, or nil.
func (c *Client) FindRegistrationByID(id uint16) *Registration {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, r := range c.Registrations {
		if r.TopicID == id {
			return r
		}
	}
	return nil
}

// AppendRegistration adds reg to the client's topic-id table. Used
// instead of a direct append so the mutation is guarded like every
// other window/registration field (§3 invariant I6).
func (c *Client) AppendRegistration(reg *Registration) {
	c.mu.Lock()
	c.Registrations = append(c.Registrations, reg)
	if reg.Pending {
		c.PendingRegistration = reg
	}
	c.mu.Unlock()
}

// CompleteRegistration clears the pending mark on the registration for
// id, reporting whether one was found; called when the client's REGACK
// arrives so queued publishes addressed by that topic id may flow.
func (c *Client) CompleteRegistration(id uint16) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	found := false
	for _, r := range c.Registrations {
		if r.TopicID == id {
			r.Pending = false
			found = true
		}
	}
	if c.PendingRegistration != nil && c.PendingRegistration.TopicID == id {
		c.PendingRegistration = nil
	}
	return found
}
