// Package bridge implements the bridge connection manager described in
// spec §9: a bridge dials out to a remote broker as an ordinary MQTT
// client, subscribes/publishes according to a direction+prefix topic
// rule list, and reconnects on failure with a saturating geometric
// backoff. Grounded in the teacher's use of a plain net.Dial + bufio
// reader for its own TCP transport (internal/transport/tcp.go), and in
// gonzalop-mq's WithAutoReconnect/WithOnConnectionLost client option
// shapes for the reconnect/backoff knobs a bridge needs.
package bridge

import (
	"context"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/topicfilter"
	mqtt "github.com/nilsen/cindermq/internal/wire/mqtt"
	"github.com/nilsen/cindermq/pkg/er"
)

// StartType controls when a bridge connection begins dialing, per §9's
// AUTOMATIC/MANUAL/LAZY/ONCE start types.
type StartType int

const (
	// StartAutomatic dials as soon as the broker starts and keeps
	// reconnecting with backoff for as long as the broker runs.
	StartAutomatic StartType = iota
	// StartManual never dials on its own; an operator action (not
	// wired to any admin surface in this broker) would have to call
	// Run directly for the bridge to come up.
	StartManual
	// StartLazy defers the first dial until a locally published
	// message actually matches one of the bridge's outbound topic
	// rules, then behaves like StartAutomatic from that point on.
	StartLazy
	// StartOnce dials once; if that connection drops, the bridge is
	// not retried.
	StartOnce
)

// Direction names which way a topic rule forwards publications.
type Direction int

const (
	DirectionOut Direction = iota // local -> remote
	DirectionIn                   // remote -> local
	DirectionBoth
)

// TopicRule is one line of a bridge's topic list: the local topic
// filter, its remote-side prefix rewrite, and the forwarding direction.
type TopicRule struct {
	Filter    string
	Direction Direction
	LocalPrefix  string
	RemotePrefix string
}

// rewriteOut maps a local topic to its remote-side name for an
// outbound rule.
func (r TopicRule) rewriteOut(topic string) string {
	if r.LocalPrefix != "" && strings.HasPrefix(topic, r.LocalPrefix) {
		topic = topic[len(r.LocalPrefix):]
	}
	return r.RemotePrefix + topic
}

// rewriteIn maps a remote topic to its local-side name for an inbound
// rule.
func (r TopicRule) rewriteIn(topic string) string {
	if r.RemotePrefix != "" && strings.HasPrefix(topic, r.RemotePrefix) {
		topic = topic[len(r.RemotePrefix):]
	}
	return r.LocalPrefix + topic
}

// localFilter is the filter a rule matches against local topic names:
// the pattern with the local prefix prepended.
func (r TopicRule) localFilter() string { return r.LocalPrefix + r.Filter }

// remoteFilter is the filter a rule matches against remote topic names.
func (r TopicRule) remoteFilter() string { return r.RemotePrefix + r.Filter }

// Config describes one configured bridge connection.
type Config struct {
	Name        string
	Addresses   []string // tried in order on (re)connect, per §9
	ClientID    string
	CleanStart  bool
	KeepAlive   uint16
	Topics      []TopicRule
	TryPrivate  bool // attempt the MQIsdp private protocol before falling back
	StartType   StartType
	// NotifyTopic is where "0"/"1" connection-state notifications are
	// retained-published, per §9's bridge notifications feature. Empty
	// defaults to $SYS/broker/connection/<client-id>/state.
	NotifyTopic string
}

func (c *Config) notifyTopic() string {
	if c.NotifyTopic != "" {
		return c.NotifyTopic
	}
	return "$SYS/broker/connection/" + c.ClientID + "/state"
}

// Publisher is how the bridge hands an inbound remote publication to
// the local broker core; Broker implements this by fanning it out to
// local subscribers with no originating client id, so no no_local
// subscription is skipped.
type Publisher interface {
	PublishLocal(topic string, qos byte, retain bool, payload []byte)
}

// Connection manages one bridge's lifecycle: dial, handshake, subscribe
// its inbound rules, forward outbound publications, and reconnect with
// backoff on failure.
type Connection struct {
	cfg Config
	pub Publisher
	log *logger.Logger

	mu      sync.Mutex
	conn    net.Conn
	addrIdx int
	backoff int // exponent, saturates at 3 per §9 (max 8x base interval)

	outbound chan outboundMsg
	done     chan struct{}

	// nextMsgID numbers outbound QoS >= 1 publishes on the remote link;
	// only serve touches it, so it needs no lock of its own.
	nextMsgID uint16

	// lazyTrigger is closed the first time a locally published message
	// matches an outbound rule on a StartLazy bridge, waking Run's dial
	// loop. startOnce guards against closing it twice.
	lazyTrigger chan struct{}
	startOnce   sync.Once
}

type outboundMsg struct {
	topic   string
	qos     byte
	retain  bool
	payload []byte
}

const baseBackoff = time.Second

// New creates a bridge connection manager. Run must be called to start
// its dial loop.
func New(cfg Config, pub Publisher, log *logger.Logger) *Connection {
	return &Connection{
		cfg:         cfg,
		pub:         pub,
		log:         log,
		outbound:    make(chan outboundMsg, 256),
		done:        make(chan struct{}),
		lazyTrigger: make(chan struct{}),
	}
}

// Forward enqueues a locally-published message for outbound forwarding
// if any topic rule matches; called from the broker's fan-out path. A
// StartLazy bridge that hasn't dialed yet wakes on its first match.
// $SYS topics are confined to the local broker and never forwarded.
func (c *Connection) Forward(topic string, qos byte, retain bool, payload []byte) {
	if strings.HasPrefix(topic, "$SYS/") {
		return
	}
	for _, r := range c.cfg.Topics {
		if r.Direction == DirectionIn {
			continue
		}
		if !matches(r.localFilter(), topic) {
			continue
		}
		if c.cfg.StartType == StartLazy {
			c.startOnce.Do(func() { close(c.lazyTrigger) })
		}
		remote := r.rewriteOut(topic)
		select {
		case c.outbound <- outboundMsg{remote, qos, retain, payload}:
		default:
			if c.log != nil {
				c.log.LogError(er.ErrQueueFull, "bridge outbound queue full", logger.String("bridge", c.cfg.Name))
			}
		}
		return
	}
}

// ShouldAutoStart reports whether the broker's own startup should spawn
// this bridge's Run loop; StartManual bridges are excluded, since
// starting them is an operator action this broker has no surface for.
func (c *Connection) ShouldAutoStart() bool {
	return c.cfg.StartType != StartManual
}

func matches(filter, topic string) bool {
	return topicfilter.Matches(filter, topic)
}

// Run dials, handshakes and services the bridge until ctx is canceled,
// reconnecting with backoff between attempts per the bridge's start
// type (§9): StartLazy waits for Forward's first match before dialing
// at all, and StartOnce never retries past its first disconnect.
func (c *Connection) Run(ctx context.Context) error {
	defer close(c.done)

	if c.cfg.StartType == StartLazy {
		select {
		case <-c.lazyTrigger:
		case <-ctx.Done():
			return nil
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if err := c.connectOnce(ctx); err != nil {
			c.log.LogBridgeEvent(c.cfg.Name, c.currentAddr(), "disconnected", logger.ErrorAttr(err))
			c.notify("0")
			if c.cfg.StartType == StartOnce {
				return nil
			}
			if !c.sleepBackoff(ctx) {
				return nil
			}
			continue
		}
		c.backoff = 0
		c.notify("0")
		if c.cfg.StartType == StartOnce {
			return nil
		}
	}
}

// notify retained-publishes state ("1" connected, "0" disconnected) to
// the bridge's notification topic, the §9 bridge-notifications feature.
func (c *Connection) notify(state string) {
	if c.pub == nil {
		return
	}
	c.pub.PublishLocal(c.cfg.notifyTopic(), 0, true, []byte(state))
}

// currentAddr returns the address last dialed, for logging.
func (c *Connection) currentAddr() string {
	if len(c.cfg.Addresses) == 0 {
		return ""
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg.Addresses[c.addrIdx%len(c.cfg.Addresses)]
}

// nextBackoff advances the backoff exponent (saturating at 3, per §9:
// retry interval never exceeds 8x the base interval) and returns the
// wait duration for the attempt it gates.
func nextBackoff(current int) (next int, wait time.Duration) {
	if current < 3 {
		current++
	}
	return current, baseBackoff << current
}

// sleepBackoff waits out the next backoff interval and advances to the
// next configured address for the following attempt.
func (c *Connection) sleepBackoff(ctx context.Context) bool {
	c.mu.Lock()
	c.backoff, _ = nextBackoff(c.backoff)
	wait := baseBackoff << c.backoff
	c.addrIdx++
	c.mu.Unlock()

	select {
	case <-time.After(wait):
		return true
	case <-ctx.Done():
		return false
	}
}

func (c *Connection) connectOnce(ctx context.Context) error {
	if len(c.cfg.Addresses) == 0 {
		return &er.Err{Context: "bridge.connectOnce", Message: er.ErrBridgeNoAddress}
	}
	addr := c.cfg.Addresses[c.addrIdx%len(c.cfg.Addresses)]

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return &er.Err{Context: "bridge.connectOnce", Message: er.ErrBridgeDialFailed}
	}
	defer conn.Close()

	if err := c.handshake(conn); err != nil {
		return err
	}

	c.log.LogBridgeEvent(c.cfg.Name, addr, "connected")
	c.notify("1")

	c.mu.Lock()
	c.conn = conn
	c.backoff = 0
	c.addrIdx = 0
	c.mu.Unlock()

	return c.serve(ctx, conn)
}

// handshake sends CONNECT (trying the private no-local protocol first
// when configured, falling back to public MQTT on rejection, per §9's
// "private protocol trial/fallback") and installs the bridge's inbound
// subscriptions.
func (c *Connection) handshake(conn net.Conn) error {
	protoName, protoLevel := mqtt.ProtocolNameV311, byte(mqtt.ProtocolLevelV311)
	if c.cfg.TryPrivate {
		protoName, protoLevel = mqtt.ProtocolNamePrivate, byte(mqtt.ProtocolLevelPrivate)
	}

	cp := &mqtt.ConnectPacket{
		ProtocolName:  protoName,
		ProtocolLevel: protoLevel,
		CleanSession:  c.cfg.CleanStart,
		KeepAlive:     c.cfg.KeepAlive,
		ClientID:      c.cfg.ClientID,
	}
	if _, err := conn.Write(cp.Encode()); err != nil {
		return &er.Err{Context: "bridge.handshake", Message: err}
	}

	ack, err := readConnack(conn)
	if err != nil {
		return err
	}
	if ack.ReturnCode == mqtt.UnacceptableProtocolVersion && c.cfg.TryPrivate {
		cp.ProtocolName, cp.ProtocolLevel = mqtt.ProtocolNameV311, mqtt.ProtocolLevelV311
		if _, err := conn.Write(cp.Encode()); err != nil {
			return &er.Err{Context: "bridge.handshake", Message: err}
		}
		ack, err = readConnack(conn)
		if err != nil {
			return err
		}
	}
	if ack.ReturnCode != mqtt.ConnectionAccepted {
		return &er.Err{Context: "bridge.handshake", Message: er.ErrBridgeUnacceptableProto}
	}

	return c.subscribeInbound(conn)
}

func readConnack(conn net.Conn) (*mqtt.ConnackPacket, error) {
	buf := make([]byte, 4)
	if _, err := readFull(conn, buf); err != nil {
		return nil, &er.Err{Context: "bridge.readConnack", Message: err}
	}
	ack := &mqtt.ConnackPacket{}
	if err := ack.Parse(buf); err != nil {
		return nil, err
	}
	return ack, nil
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

func (c *Connection) subscribeInbound(conn net.Conn) error {
	var filters []mqtt.SubscribeFilter
	for _, r := range c.cfg.Topics {
		if r.Direction == DirectionOut {
			continue
		}
		filters = append(filters, mqtt.SubscribeFilter{Topic: r.remoteFilter(), QoS: 2})
	}
	if len(filters) == 0 {
		return nil
	}
	sp := &mqtt.SubscribePacket{PacketID: 1, Filters: filters}
	_, err := conn.Write(sp.Encode())
	if err != nil {
		return &er.Err{Context: "bridge.subscribeInbound", Message: err}
	}
	return nil
}

// serve drains outbound messages to the remote connection, reads
// inbound PUBLISHes into the local broker, and drives the bridge-side
// keepalive (an outbound PINGREQ per keepalive interval; a second
// interval elapsing with no PINGRESP declares the session dead, per
// §4.5's bridge-outbound keepalive rule) until the connection breaks or
// ctx is canceled.
func (c *Connection) serve(ctx context.Context, conn net.Conn) error {
	in := make(chan *mqtt.ParsedPacket, 16)
	errCh := make(chan error, 1)
	go func() {
		errCh <- c.readLoop(conn, in)
	}()

	var keepalive <-chan time.Time
	if c.cfg.KeepAlive > 0 {
		t := time.NewTicker(time.Duration(c.cfg.KeepAlive) * time.Second)
		defer t.Stop()
		keepalive = t.C
	}
	pingOutstanding := false

	for {
		select {
		case <-ctx.Done():
			conn.Close()
			return nil
		case err := <-errCh:
			return err
		case parsed := <-in:
			switch parsed.Type {
			case mqtt.PUBLISH:
				c.deliverInbound(parsed.Publish)
				if parsed.Publish.PacketID != nil {
					var ack []byte
					if parsed.Publish.QoS == 2 {
						ack = mqtt.EncodePubrec(*parsed.Publish.PacketID)
					} else {
						ack = mqtt.EncodePuback(*parsed.Publish.PacketID)
					}
					if _, err := conn.Write(ack); err != nil {
						return &er.Err{Context: "bridge.serve", Message: err}
					}
				}
			case mqtt.PUBREL:
				if _, err := conn.Write(mqtt.EncodePubcomp(parsed.Pubrel.PacketID)); err != nil {
					return &er.Err{Context: "bridge.serve", Message: err}
				}
			case mqtt.PUBREC:
				// Second leg of an outbound QoS 2 forward; PUBCOMP ends
				// the exchange and needs no reply.
				if _, err := conn.Write(mqtt.EncodePubrel(parsed.Pubrec.PacketID)); err != nil {
					return &er.Err{Context: "bridge.serve", Message: err}
				}
			case mqtt.PINGRESP:
				pingOutstanding = false
			}
		case <-keepalive:
			if pingOutstanding {
				conn.Close()
				return &er.Err{Context: "bridge.serve", Message: er.ErrBridgeKeepaliveTimeout}
			}
			if _, err := conn.Write((&mqtt.PingreqPacket{}).Encode()); err != nil {
				return &er.Err{Context: "bridge.serve", Message: err}
			}
			pingOutstanding = true
		case m := <-c.outbound:
			if _, err := conn.Write(c.buildPublish(m).Encode()); err != nil {
				return &er.Err{Context: "bridge.serve", Message: err}
			}
		}
	}
}

// buildPublish frames one forwarded publication for the remote link,
// keeping the publication's QoS (capped at 2) and numbering QoS >= 1
// publishes from the bridge's own msg-id sequence.
func (c *Connection) buildPublish(m outboundMsg) *mqtt.PublishPacket {
	qos := m.qos
	if qos > 2 {
		qos = 2
	}
	pp := &mqtt.PublishPacket{Topic: m.topic, QoS: qos, Retain: m.retain, Payload: m.payload}
	if qos > 0 {
		c.nextMsgID++
		if c.nextMsgID == 0 {
			c.nextMsgID = 1
		}
		id := c.nextMsgID
		pp.PacketID = &id
	}
	return pp
}

func (c *Connection) readLoop(conn net.Conn, in chan<- *mqtt.ParsedPacket) error {
	header := make([]byte, 2)
	for {
		if _, err := readFull(conn, header[:1]); err != nil {
			return &er.Err{Context: "bridge.readLoop", Message: err}
		}
		length, rlBytes, raw, err := readRemainingLength(conn, header[0])
		if err != nil {
			return err
		}
		frame := append(append([]byte{header[0]}, raw[:rlBytes]...), make([]byte, length)...)
		if length > 0 {
			if _, err := readFull(conn, frame[1+rlBytes:]); err != nil {
				return &er.Err{Context: "bridge.readLoop", Message: err}
			}
		}

		parsed, err := mqtt.Parse(frame)
		if err != nil {
			continue
		}
		in <- parsed
	}
}

func (c *Connection) deliverInbound(pp *mqtt.PublishPacket) {
	for _, r := range c.cfg.Topics {
		if r.Direction == DirectionOut {
			continue
		}
		if !matches(r.remoteFilter(), pp.Topic) {
			continue
		}
		local := r.rewriteIn(pp.Topic)
		c.pub.PublishLocal(local, pp.QoS, pp.Retain, pp.Payload)
		return
	}
}

// readRemainingLength reads the 1-4 byte base-128 remaining-length
// field following first, returning the decoded length, the number of
// bytes it occupied, and those raw bytes (so the caller can reassemble
// the original frame without re-encoding).
func readRemainingLength(conn net.Conn, first byte) (int, int, []byte, error) {
	var raw []byte
	var length, multiplier int
	multiplier = 1
	for {
		b := make([]byte, 1)
		if _, err := readFull(conn, b); err != nil {
			return 0, 0, nil, &er.Err{Context: "bridge.readRemainingLength", Message: err}
		}
		raw = append(raw, b[0])
		length += int(b[0]&0x7F) * multiplier
		multiplier *= 128
		if b[0]&0x80 == 0 {
			break
		}
		if len(raw) >= 4 {
			return 0, 0, nil, &er.Err{Context: "bridge.readRemainingLength", Message: er.ErrRemainingLengthExceeded}
		}
	}
	_ = first
	return length, len(raw), raw, nil
}

// Close stops the bridge's dial loop and waits for it to exit.
func (c *Connection) Close() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	<-c.done
}
