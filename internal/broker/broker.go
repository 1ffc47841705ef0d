// Package broker wires every other package into one running server:
// the session store, subscription engine, delivery pipeline, protocol
// dispatchers, ACL, persistence, bridge connections and the transport
// listeners. Grounded in the teacher's internal/broker/broker.go, which
// plays the same role for its smaller QoS-0-only surface — this keeps
// the same "one struct holds everything, Start/Stop drive it" shape and
// generalizes the handler set underneath it.
package broker

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/sync/errgroup"

	"github.com/nilsen/cindermq/internal/acl"
	"github.com/nilsen/cindermq/internal/auth"
	"github.com/nilsen/cindermq/internal/bridge"
	"github.com/nilsen/cindermq/internal/config"
	"github.com/nilsen/cindermq/internal/delivery"
	"github.com/nilsen/cindermq/internal/listener"
	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/internal/persistence"
	"github.com/nilsen/cindermq/internal/protocol"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/internal/stats"
	"github.com/nilsen/cindermq/internal/subscription"
	"github.com/nilsen/cindermq/pkg/er"
)

// Broker owns every long-lived component and the background goroutines
// that drive them (listeners, housekeeping ticker, bridge connections).
type Broker struct {
	cfg config.Config
	log *logger.Logger

	Sessions *session.Store
	Subs     *subscription.Engine
	Delivery *delivery.Pipeline
	ACL      *acl.ACL
	Auth     *auth.Store
	Persist  *persistence.Store
	Stats    *stats.Counters

	mqtt *protocol.MQTTDispatcher
	sn   *protocol.SNDispatcher

	listeners []listener.Listener
	bridges   []*bridge.Connection

	db *sql.DB

	startedAt int64
	hup       chan struct{}
	sysState  sysStatState
}

// NotifyHUP signals the housekeeping loop to run a persistence save at
// the next opportunity, per §6 "Signals": SIGHUP triggers a save at the
// next housekeeping tick. cmd/cindermq wires this to signal.Notify.
func (b *Broker) NotifyHUP() {
	select {
	case b.hup <- struct{}{}:
	default:
	}
}

// New assembles a Broker from a loaded configuration. It opens the auth
// database and loads the ACL file if configured, but does not yet bind
// any listener or dial any bridge — call Run for that.
func New(cfg config.Config, log *logger.Logger) (*Broker, error) {
	b := &Broker{
		cfg:      cfg,
		log:      log,
		Sessions: session.NewStore(),
		Subs:     subscription.New(),
		Stats:    &stats.Counters{},
		hup:      make(chan struct{}, 1),
	}

	b.mqtt = &protocol.MQTTDispatcher{
		Sessions:         b.Sessions,
		Subs:             b.Subs,
		Log:              log,
		AllowAnonymous:   cfg.AllowAnonymous,
		ClientIDPrefixes: cfg.ClientIDPrefixes,
	}
	b.sn = &protocol.SNDispatcher{
		Sessions: b.Sessions,
		Subs:     b.Subs,
		Log:      log,
	}
	retryTicks := int64(cfg.RetryInterval / housekeepingInterval)
	b.Delivery = delivery.New(&protocol.VariantSender{MQTT: b.mqtt, SN: b.sn}, retryTicks)
	b.mqtt.Delivery = b.Delivery
	b.sn.Delivery = b.Delivery

	if cfg.AuthDB != "" {
		db, err := sql.Open("sqlite3", cfg.AuthDB)
		if err != nil {
			return nil, &er.Err{Context: "broker.New", Message: err}
		}
		b.db = db
		b.Auth = auth.New(db)
		b.mqtt.Auth = b.Auth
	}

	if cfg.ACLFile != "" {
		a, err := acl.Load(cfg.ACLFile)
		if err != nil {
			return nil, &er.Err{Context: "broker.New", Message: err}
		}
		b.ACL = a
		b.mqtt.ACL = a
		b.sn.ACL = a
	}

	if cfg.PersistenceDir != "" {
		b.Persist = persistence.New(cfg.PersistenceDir + "/retain")
		if err := b.loadPersisted(); err != nil {
			log.LogError(err, "persistence load failed")
		}
	}

	for _, lc := range cfg.Listeners {
		l, err := b.buildListener(lc)
		if err != nil {
			return nil, err
		}
		b.listeners = append(b.listeners, l)
	}

	for _, bc := range cfg.Bridges {
		b.bridges = append(b.bridges, b.buildBridge(bc))
	}
	if len(b.bridges) > 0 {
		forwarders := make([]protocol.BridgeForwarder, len(b.bridges))
		for i, br := range b.bridges {
			forwarders[i] = br
		}
		b.mqtt.Bridges = forwarders
		b.sn.Bridges = forwarders
	}

	return b, nil
}

func (b *Broker) buildListener(lc config.Listener) (listener.Listener, error) {
	switch lc.Transport {
	case "tcp":
		return &listener.TCPListener{
			Addr:           lc.Addr,
			Dispatcher:     b.mqtt,
			Log:            b.log,
			MaxConnections: lc.MaxConns,
			Mount:          lc.Mount,
			Stats:          b.Stats,
		}, nil
	case "ws":
		path := lc.Path
		if path == "" {
			path = "/mqtt"
		}
		return &listener.WSListener{
			Addr:           lc.Addr,
			Path:           path,
			Dispatcher:     b.mqtt,
			Log:            b.log,
			MaxConnections: lc.MaxConns,
			Mount:          lc.Mount,
			Stats:          b.Stats,
		}, nil
	case "udp":
		return &listener.UDPListener{
			Addr:       lc.Addr,
			Dispatcher: b.sn,
			Log:        b.log,
			Mount:      lc.Mount,
			Stats:      b.Stats,
		}, nil
	default:
		return nil, &er.Err{Context: "broker.buildListener", Message: er.ErrInvalidConnPacket}
	}
}

func (b *Broker) buildBridge(bc config.Bridge) *bridge.Connection {
	topics := make([]bridge.TopicRule, 0, len(bc.Topics))
	for _, t := range bc.Topics {
		dir := bridge.DirectionOut
		switch t.Direction {
		case "in":
			dir = bridge.DirectionIn
		case "both":
			dir = bridge.DirectionBoth
		}
		topics = append(topics, bridge.TopicRule{
			Filter:       t.Filter,
			Direction:    dir,
			LocalPrefix:  t.LocalPrefix,
			RemotePrefix: t.RemotePrefix,
		})
	}
	cfg := bridge.Config{
		Name:        bc.Name,
		Addresses:   bc.Addresses,
		ClientID:    bc.ClientID,
		CleanStart:  bc.CleanStart,
		KeepAlive:   bc.KeepAlive,
		Topics:      topics,
		TryPrivate:  bc.TryPrivate,
		StartType:   parseStartType(bc.StartType),
		NotifyTopic: bc.NotifyTopic,
	}
	return bridge.New(cfg, b, b.log)
}

func parseStartType(s string) bridge.StartType {
	switch s {
	case "manual":
		return bridge.StartManual
	case "lazy":
		return bridge.StartLazy
	case "once":
		return bridge.StartOnce
	default:
		return bridge.StartAutomatic
	}
}

// PublishLocal satisfies bridge.Publisher: an inbound bridge message is
// retained if flagged and fanned out to local subscribers the same way
// HandlePublish does, with two differences: there is no originating
// client, so no subscriber is skipped as no_local, and the message is
// not handed back to the bridges.
func (b *Broker) PublishLocal(topic string, qos byte, retain bool, payload []byte) {
	q := model.QoS(qos)
	if retain {
		b.Subs.SetRetained(topic, q, payload)
	}
	subs := b.Subs.GetSubscribers(topic, "")
	if len(subs) == 0 {
		return
	}
	pub := model.NewPublication(topic, payload, q, retain)
	defer pub.Release()
	for _, sub := range subs {
		deliverQoS := model.MinQoS(q, sub.QoS)
		target, ok := b.Sessions.Connected(sub.ClientID)
		if !ok {
			if dc, off := b.Sessions.Disconnected(sub.ClientID); off && deliverQoS != model.QoS0 {
				m := &model.Message{QoS: deliverQoS, Retain: retain, Pub: pub.Acquire()}
				if err := b.Delivery.QueueForDisconnected(dc, m, sub.Priority); err != nil {
					b.log.LogError(err, "bridge inbound offline queue failed")
				}
			}
			continue
		}
		m := &model.Message{QoS: deliverQoS, Retain: retain, Pub: pub.Acquire()}
		if err := b.Delivery.StartOrQueuePublish(target, m, sub.Priority); err != nil {
			b.log.LogError(err, "bridge inbound delivery failed")
		}
	}
}

// Run starts every listener, every bridge connection and the
// housekeeping ticker, blocking until ctx is cancelled or a listener
// fails. All goroutines are stopped before Run returns.
func (b *Broker) Run(ctx context.Context) error {
	b.startedAt = time.Now().Unix()

	g, gctx := errgroup.WithContext(ctx)

	for _, l := range b.listeners {
		l := l
		g.Go(func() error {
			return l.Serve()
		})
	}

	for _, br := range b.bridges {
		br := br
		if !br.ShouldAutoStart() {
			continue
		}
		g.Go(func() error {
			return br.Run(gctx)
		})
	}

	g.Go(func() error {
		b.runHousekeeping(gctx)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		for _, l := range b.listeners {
			l.Close()
		}
		for _, br := range b.bridges {
			if br.ShouldAutoStart() {
				br.Close()
			}
		}
		b.savePersisted()
		if b.db != nil {
			b.db.Close()
		}
		return nil
	})

	return g.Wait()
}
