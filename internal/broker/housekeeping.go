package broker

import (
	"context"
	"time"

	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/internal/persistence"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/pkg/er"
)

// housekeepingInterval is the "housekeeping tick" the glossary defines:
// keepalive, retries, stats and autosave are all evaluated at this
// cadence, per §4.8 step 7.
const housekeepingInterval = 5 * time.Second

// loadPersisted restores retained publications and durable
// subscriptions from the persistence store at startup, per §4.4.5's
// invariant that a durable subscription present in the engine is also
// present in the persistence image (I3). Durable subscribers that
// haven't reconnected yet get a disconnected-index placeholder so
// queued deliveries have somewhere to land before CONNECT.
func (b *Broker) loadPersisted() error {
	if b.Persist == nil {
		return nil
	}
	snap, err := b.Persist.Load()
	if err != nil {
		return &er.Err{Context: "broker.loadPersisted", Message: err}
	}

	for _, r := range snap.Retained {
		b.Subs.SetRetained(r.Topic, r.QoS, r.Payload)
	}

	for _, r := range snap.Subscriptions {
		b.Subs.Subscribe(r.ClientID, r.Topic, r.QoS, r.NoLocal, true, model.PriorityNormal)
		if _, ok := b.Sessions.Disconnected(r.ClientID); !ok {
			if _, ok := b.Sessions.Connected(r.ClientID); !ok {
				c := session.NewClient(r.ClientID, session.VariantMQTT)
				c.CleanSession = false
				b.Sessions.InsertDisconnected(c)
			}
		}
	}
	return nil
}

// savePersisted writes every retained publication and durable
// subscription to the persistence store. Called from the housekeeping
// tick once every autosave interval (whether or not anything changed),
// on SIGHUP, and on shutdown.
func (b *Broker) savePersisted() error {
	if b.Persist == nil {
		return nil
	}

	retained := b.Subs.AllRetained()
	subs := b.Subs.AllDurableSubscriptions()

	snap := persistence.Snapshot{
		Retained:      make([]persistence.RetainedRecord, 0, len(retained)),
		Subscriptions: make([]persistence.SubscriptionRecord, 0, len(subs)),
	}
	for _, r := range retained {
		snap.Retained = append(snap.Retained, persistence.RetainedRecord{
			Payload: r.Payload,
			QoS:     r.QoS,
			Topic:   r.Topic,
		})
	}
	for _, s := range subs {
		snap.Subscriptions = append(snap.Subscriptions, persistence.SubscriptionRecord{
			ClientID: s.ClientID,
			NoLocal:  s.NoLocal,
			QoS:      s.QoS,
			Topic:    s.Topic,
		})
	}

	if err := b.Persist.Save(snap); err != nil {
		b.log.LogError(err, "persistence autosave failed")
		return err
	}
	return nil
}

// runHousekeeping drives the 5-second tick described in §4.8 step 7:
// keepalive eviction, QoS retry, $SYS stats and autosave. It blocks
// until ctx is cancelled.
func (b *Broker) runHousekeeping(ctx context.Context) {
	ticker := time.NewTicker(housekeepingInterval)
	defer ticker.Stop()

	var tick int64
	var sinceAutosave time.Duration
	autosave := b.cfg.AutosaveInterval
	if autosave <= 0 {
		autosave = time.Minute
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-b.hupCh():
			if err := b.savePersisted(); err != nil {
				b.log.LogError(err, "SIGHUP-triggered persistence save failed")
			}
		case now := <-ticker.C:
			tick++
			b.keepaliveSweep(now.Unix())
			b.retrySweep(tick)
			b.publishSysTopics(now)

			sinceAutosave += housekeepingInterval
			if sinceAutosave >= autosave {
				sinceAutosave = 0
				b.savePersisted()
			}
		}
	}
}

// keepaliveSweep evicts inbound connections that have gone silent for
// more than twice their keepalive interval, per §4.5 ("Inbound
// connections: if now - last_contact > 2 * keepalive_interval ... close
// the session").
func (b *Broker) keepaliveSweep(nowUnix int64) {
	b.Sessions.EachConnected(func(c *session.Client) {
		if c.Outbound || !c.IsStale(nowUnix) {
			return
		}
		b.closeStale(c)
	})
}

func (b *Broker) closeStale(c *session.Client) {
	switch c.Variant {
	case session.VariantMQTTSN:
		if err := b.sn.CloseSession(c, true); err != nil {
			b.log.LogError(err, "keepalive eviction failed", logger.ClientID(c.ClientID))
		}
	default:
		if err := b.mqtt.CloseSession(c, true); err != nil {
			b.log.LogError(err, "keepalive eviction failed", logger.ClientID(c.ClientID))
		}
	}
}

// retrySweep resends anything sitting past its retry interval in every
// connected client's inflight-out window, per §4.5 ("retry(now)").
func (b *Broker) retrySweep(tick int64) {
	b.Sessions.EachConnected(func(c *session.Client) {
		if err := b.Delivery.Retry(c, tick); err != nil {
			b.log.LogError(err, "retry failed", logger.ClientID(c.ClientID))
		}
	})
}

// hupCh returns the channel NotifyHUP posts to.
func (b *Broker) hupCh() <-chan struct{} {
	return b.hup
}
