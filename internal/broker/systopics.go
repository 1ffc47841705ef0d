package broker

import (
	"fmt"
	"runtime"
	"time"

	"github.com/nilsen/cindermq/internal/delivery"
	"github.com/nilsen/cindermq/internal/model"
)

// brokerVersion is reported on $SYS/broker/version; cmd/cindermq's
// build injects nothing fancier, so this stays a constant the way the
// teacher hard-codes its own banner string.
const brokerVersion = "cindermq 1.0"

// sysStatState carries the previous tick's counters so publishSysTopics
// can derive a per-second rate, per §6's
// "$SYS/broker/messages/per second/{sent,received}".
type sysStatState struct {
	lastSent     int64
	lastReceived int64
}

// publishSysTopics emits every $SYS/broker/... topic spec §6 lists, as
// retained publications, at the housekeeping cadence (§2 row 9,
// §4.8 step 7). There is no teacher equivalent for a stats publisher;
// the topic names and shapes are grounded directly in spec §6.
func (b *Broker) publishSysTopics(now time.Time) {
	snap := b.Stats.Snap()

	sentDelta := snap.MessagesSent - b.sysState.lastSent
	recvDelta := snap.MessagesReceived - b.sysState.lastReceived
	b.sysState.lastSent = snap.MessagesSent
	b.sysState.lastReceived = snap.MessagesReceived

	ticksPerSecond := housekeepingInterval.Seconds()
	sentPerSec := float64(sentDelta) / ticksPerSecond
	recvPerSec := float64(recvDelta) / ticksPerSecond

	connected, disconnected := b.Sessions.Counts()

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	uptime := now.Unix() - b.startedAt

	retain := func(topic, value string) {
		b.Subs.SetRetained(topic, model.QoS0, []byte(value))
	}

	retain("$SYS/broker/version", brokerVersion)
	retain("$SYS/broker/timestamp", now.UTC().Format(time.RFC3339))
	retain("$SYS/broker/uptime", fmt.Sprintf("%d seconds", uptime))

	retain("$SYS/broker/messages/sent", fmt.Sprintf("%d", snap.MessagesSent))
	retain("$SYS/broker/messages/received", fmt.Sprintf("%d", snap.MessagesReceived))
	retain("$SYS/broker/messages/per second/sent", fmt.Sprintf("%.2f", sentPerSec))
	retain("$SYS/broker/messages/per second/received", fmt.Sprintf("%.2f", recvPerSec))

	retain("$SYS/broker/bytes/sent", fmt.Sprintf("%d", snap.BytesSent))
	retain("$SYS/broker/bytes/received", fmt.Sprintf("%d", snap.BytesReceived))

	retain("$SYS/broker/heap/current", fmt.Sprintf("%d", mem.HeapAlloc))
	retain("$SYS/broker/heap/maximum size", fmt.Sprintf("%d", mem.HeapSys))

	retain("$SYS/broker/client count/connected", fmt.Sprintf("%d", connected))
	retain("$SYS/broker/client count/disconnected", fmt.Sprintf("%d", disconnected))

	retain("$SYS/broker/subscriptions/count", fmt.Sprintf("%d", b.Subs.CountSubscriptions()))
	retain("$SYS/broker/retained messages/count", fmt.Sprintf("%d", len(b.Subs.AllRetained())))

	retain("$SYS/broker/settings/max_queued_messages", fmt.Sprintf("%d", delivery.MaxQueuedMessages))
	retain("$SYS/broker/settings/max_inflight_messages", fmt.Sprintf("%d", delivery.MaxInflightWindow))
}
