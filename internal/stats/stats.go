// Package stats holds the message/byte counters the $SYS publisher
// reports, per spec §6 ("$SYS/broker/messages/...",
// ".../bytes/..."). It is a leaf package so both the listener layer
// (which observes raw frames) and the broker (which reports them) can
// import it without a cycle.
package stats

import "sync/atomic"

// Counters is a set of monotonically increasing message/byte counts,
// safe for concurrent use by every listener's reader/writer goroutines.
type Counters struct {
	MessagesSent     atomic.Int64
	MessagesReceived atomic.Int64
	BytesSent        atomic.Int64
	BytesReceived    atomic.Int64
}

// Sent records one outbound frame of n bytes.
func (c *Counters) Sent(n int) {
	c.MessagesSent.Add(1)
	c.BytesSent.Add(int64(n))
}

// Received records one inbound frame of n bytes.
func (c *Counters) Received(n int) {
	c.MessagesReceived.Add(1)
	c.BytesReceived.Add(int64(n))
}

// Snapshot is a point-in-time read of every counter.
type Snapshot struct {
	MessagesSent     int64
	MessagesReceived int64
	BytesSent        int64
	BytesReceived    int64
}

// Snap takes a consistent-enough snapshot for the housekeeping tick's
// $SYS publish; individual fields may be read a few nanoseconds apart
// under concurrent writers, which the spec's coarse-cadence stats don't
// need to guard against.
func (c *Counters) Snap() Snapshot {
	return Snapshot{
		MessagesSent:     c.MessagesSent.Load(),
		MessagesReceived: c.MessagesReceived.Load(),
		BytesSent:        c.BytesSent.Load(),
		BytesReceived:    c.BytesReceived.Load(),
	}
}
