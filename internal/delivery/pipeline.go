// Package delivery implements the per-subscriber publish admission and
// retry pipeline described in spec §4.5-§4.7: admitting a publication
// onto a subscriber either starts it inflight (QoS 1/2) or queues it
// when the inflight window is full, and a housekeeping tick resends
// anything sitting past its retry interval. Grounded in the teacher's
// internal/broker/qos.go QoSManager (pendingQoS1/pendingQoS2 maps plus
// a retry ticker), generalized from a flat map per QoS level to the
// per-client inflight/queued structure §3 and §4 require.
package delivery

import (
	"errors"

	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/pkg/er"
)

// MaxInflightWindow bounds InflightOut per client, per §4.5.
const MaxInflightWindow = 32

// MaxQueuedMessages bounds the queued (not yet inflight) list per
// client before the lowest-priority message is discarded, per §4.6.
const MaxQueuedMessages = 1000

// RetryIntervalTicks is the default number of housekeeping ticks that
// elapse before an unacknowledged inflight message is resent, per §4.7;
// the broker overrides it from the retry_interval config key.
const RetryIntervalTicks = 1

// MaxDiscardThreshold is how many queued messages a client may have
// discarded for being over capacity before the session is considered
// broken and torn down, per §4.6.
const MaxDiscardThreshold = 100

// Sender writes an encoded wire frame to a client's outbox. Supplied by
// the protocol package so delivery stays wire-format agnostic.
type Sender interface {
	SendPublish(c *session.Client, m *model.Message) error
	SendPubrel(c *session.Client, msgID uint16) error
}

// Pipeline admits publications onto subscriber sessions and drives
// retry/queue-drain housekeeping. It holds no per-message state of its
// own; all of that lives on the session.Client records it's handed.
type Pipeline struct {
	sender     Sender
	retryTicks int64
}

// New creates a Pipeline that writes frames via sender and resends
// unacknowledged inflight messages every retryTicks housekeeping ticks
// (values below 1 fall back to RetryIntervalTicks).
func New(sender Sender, retryTicks int64) *Pipeline {
	if retryTicks < 1 {
		retryTicks = RetryIntervalTicks
	}
	return &Pipeline{sender: sender, retryTicks: retryTicks}
}

// StartOrQueuePublish admits m onto c: QoS 0 is written immediately and
// never occupies the inflight window (§4.5); QoS 1/2 is started
// inflight if the window has room, else queued by priority. The
// admission check and the window mutation happen atomically on c (see
// Client.TryAdmitInflight) so concurrent fan-outs from different
// publishers delivering to the same subscriber can never jointly
// exceed I1's MaxInflightWindow bound.
func (p *Pipeline) StartOrQueuePublish(c *session.Client, m *model.Message, prio model.Priority) error {
	if m.QoS == model.QoS0 {
		if c.QueueDepth() > 0 {
			return p.queue(c, m, prio)
		}
		err := p.sender.SendPublish(c, m)
		if err != nil && (errors.Is(err, er.ErrQueueFull) || errors.Is(err, er.ErrRegistrationPending)) {
			// Outbox stalled or the MQTT-SN topic id is still being
			// registered: hold the message on the queued list instead
			// of dropping it, the drain/REGACK path will release it.
			return p.queue(c, m, prio)
		}
		return err
	}

	m.LastTouch = 0
	switch m.QoS {
	case model.QoS1:
		m.Next = model.ExpectPubAck
	case model.QoS2:
		m.Next = model.ExpectPubRec
	}

	// Messages already waiting must go out first; starting this one
	// directly would reorder a single publisher/subscriber pair's flow.
	if c.QueueDepth() == 0 && c.TryAdmitInflight(m, MaxInflightWindow) {
		err := p.sender.SendPublish(c, m)
		if err != nil && errors.Is(err, er.ErrRegistrationPending) {
			// Stays inflight; the retry sweep resends it once the
			// client acknowledges the REGISTER.
			return nil
		}
		return err
	}
	return p.queue(c, m, prio)
}

// QueueForDisconnected appends a QoS >= 1 publication to a
// disconnected-but-persistent session's queued list so it survives
// until the client reattaches; QoS 0 messages do not outlive a
// disconnect and are dropped by the caller.
func (p *Pipeline) QueueForDisconnected(c *session.Client, m *model.Message, prio model.Priority) error {
	switch m.QoS {
	case model.QoS1:
		m.Next = model.ExpectPubAck
	case model.QoS2:
		m.Next = model.ExpectPubRec
	}
	return p.queue(c, m, prio)
}

// startInflight admits m that has already been popped off c's queued
// list; unlike StartOrQueuePublish it never re-queues on failure to
// admit, since the caller (ProcessQueued) owns putting m back.
func (p *Pipeline) startInflight(c *session.Client, m *model.Message) (bool, error) {
	if !c.TryAdmitInflight(m, MaxInflightWindow) {
		return false, nil
	}
	return true, p.sender.SendPublish(c, m)
}

func (p *Pipeline) queue(c *session.Client, m *model.Message, prio model.Priority) error {
	discarded := c.EnqueueQueued(prio, m, MaxQueuedMessages)
	if discarded != nil {
		discarded.Pub.Release()
	}
	if c.DiscardedOverThreshold(MaxDiscardThreshold) {
		return &er.Err{Context: "delivery.queue", Message: er.ErrClientBroken}
	}
	return nil
}

// ProcessQueued moves queued messages into the inflight window while
// room remains, highest priority first. Called after the window frees
// up (an ack arrived) or after a reattach.
func (p *Pipeline) ProcessQueued(c *session.Client) error {
	for c.InflightOutLen() < MaxInflightWindow {
		m, prio, ok := c.PopHighestPriorityQueuedWithPriority()
		if !ok {
			return nil
		}
		if m.QoS == model.QoS0 {
			// Queued QoS 0 never enters the inflight window; send it
			// and move on, or park it again if the link still isn't
			// ready.
			if err := p.sender.SendPublish(c, m); err != nil {
				c.PushFrontQueued(prio, m)
				return nil
			}
			continue
		}
		admitted, err := p.startInflight(c, m)
		if err != nil {
			if errors.Is(err, er.ErrRegistrationPending) {
				return nil
			}
			return err
		}
		if !admitted {
			// A concurrent admission filled the window between the
			// length check above and TryAdmitInflight; put m back and
			// stop, the next ack/drain will retry it.
			c.PushFrontQueued(prio, m)
			return nil
		}
	}
	return nil
}

// Retry walks c's inflight-out window and resends anything whose
// LastTouch is at least the retry interval old: a PUBLISH with dup=1
// for entries awaiting PUBACK/PUBREC, a PUBREL for entries already
// past PUBREC and awaiting PUBCOMP (§4.5). now is the housekeeping tick
// counter, not a wall clock (§4.7 ties retry cadence to the same tick
// the keepalive check uses).
func (p *Pipeline) Retry(c *session.Client, now int64) error {
	for _, m := range c.DueForRetry(now, p.retryTicks) {
		var err error
		if m.Next == model.ExpectPubComp {
			err = p.sender.SendPubrel(c, m.MsgID)
		} else {
			err = p.sender.SendPublish(c, m)
		}
		if err != nil && !errors.Is(err, er.ErrRegistrationPending) {
			return err
		}
	}
	return nil
}

// AckPubAck completes a QoS 1 delivery: remove from inflight, release
// the publication, and drain one queued message into the freed slot.
func (p *Pipeline) AckPubAck(c *session.Client, id uint16) error {
	m, ok := c.RemoveInflightOut(id)
	if !ok {
		return nil
	}
	m.Pub.Release()
	return p.ProcessQueued(c)
}

// AckPubRec advances a QoS 2 delivery from PUBREC to awaiting PUBCOMP;
// caller is responsible for sending the PUBREL.
func (p *Pipeline) AckPubRec(c *session.Client, id uint16) *model.Message {
	m := c.FindInflightOut(id)
	if m == nil {
		return nil
	}
	m.Next = model.ExpectPubComp
	m.LastTouch = 0
	m.Dup = false
	return m
}

// AckPubComp completes a QoS 2 outbound delivery.
func (p *Pipeline) AckPubComp(c *session.Client, id uint16) error {
	m, ok := c.RemoveInflightOut(id)
	if !ok {
		return nil
	}
	m.Pub.Release()
	return p.ProcessQueued(c)
}
