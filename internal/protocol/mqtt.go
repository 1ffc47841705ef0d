// Package protocol implements the MQTT and MQTT-SN packet dispatchers:
// the state machine that turns a parsed packet plus a client session
// into subscription-engine/delivery-pipeline calls and outbound wire
// frames. Grounded in the teacher's internal/broker/broker.go handler
// methods (HandleConnect/HandlePublish/...), generalized from the
// teacher's QoS-0-only, single-protocol handling to the full QoS 0/1/2
// two-protocol state machine §4 describes.
package protocol

import (
	"strings"

	"github.com/nilsen/cindermq/internal/acl"
	"github.com/nilsen/cindermq/internal/auth"
	"github.com/nilsen/cindermq/internal/delivery"
	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/internal/subscription"
	"github.com/nilsen/cindermq/internal/topicfilter"
	mqtt "github.com/nilsen/cindermq/internal/wire/mqtt"
	"github.com/nilsen/cindermq/pkg/er"
)

// MQTTDispatcher drives the MQTT v3.1.1 side of the protocol state
// machine. One instance is shared by every MQTT connection; all state
// lives on the session.Client and subscription.Engine it's handed.
type MQTTDispatcher struct {
	Sessions *session.Store
	Subs     *subscription.Engine
	Delivery *delivery.Pipeline
	Auth     *auth.Store
	ACL      *acl.ACL
	Log      *logger.Logger
	Bridges  []BridgeForwarder

	// AllowAnonymous admits CONNECTs without credentials even when Auth
	// is configured.
	AllowAnonymous bool
	// ClientIDPrefixes, when non-empty, drops CONNECTs whose client id
	// matches none of the prefixes — without a CONNACK, per §4.4.1.
	ClientIDPrefixes []string
}

// BridgeForwarder is how a dispatcher hands a locally-fanned-out
// publication to every configured bridge connection, so a bridge whose
// topic rules match can translate and forward it to the remote broker
// (§4.7). Implemented by *bridge.Connection.
type BridgeForwarder interface {
	Forward(topic string, qos byte, retain bool, payload []byte)
}

// SendPublish satisfies delivery.Sender: it encodes m as a PUBLISH frame
// and hands it to c's outbox. A full outbox (writer goroutine stalled)
// is reported back as ErrQueueFull so the pipeline can fall back to
// discard-lowest-priority bookkeeping.
func (d *MQTTDispatcher) SendPublish(c *session.Client, m *model.Message) error {
	pp := &mqtt.PublishPacket{
		DUP:     m.Dup,
		QoS:     byte(m.QoS),
		Retain:  m.Retain,
		Topic:   m.Pub.Topic,
		Payload: m.Pub.Payload,
	}
	if m.QoS != model.QoS0 {
		id := m.MsgID
		pp.PacketID = &id
	}
	return d.write(c, pp.Encode())
}

// SendPubrel satisfies delivery.Sender: it resends the PUBREL for a QoS
// 2 delivery awaiting PUBCOMP, per §4.5 — retrying this leg must never
// re-send the original PUBLISH, since the publication has already been
// released to subscribers on the far side's PUBREC. PUBREL carries no
// dup bit in MQTT v3.1.1 (its fixed header flags are reserved at 0010).
func (d *MQTTDispatcher) SendPubrel(c *session.Client, msgID uint16) error {
	return d.write(c, mqtt.EncodePubrel(msgID))
}

func (d *MQTTDispatcher) write(c *session.Client, frame []byte) error {
	select {
	case c.Outbox <- frame:
		return nil
	default:
		return &er.Err{Context: "protocol.write", Message: er.ErrQueueFull}
	}
}

// HandleConnect runs the connect handshake (§4.4.1): authenticate if
// credentials were supplied, install the will, reattach or allocate a
// session, and reply with CONNACK. The caller (listener accept loop)
// has already parsed the CONNECT packet and allocated remoteAddr.
func (d *MQTTDispatcher) HandleConnect(conn session.Conn, remoteAddr string, cp *mqtt.ConnectPacket) (*session.Client, error) {
	var user *string
	if cp.UsernameFlag {
		password := ""
		if cp.Password != nil {
			password = *cp.Password
		}
		if d.Auth != nil {
			if err := d.Auth.Authenticate(*cp.Username, password); err != nil {
				d.logAuth(*cp.Username, false, err.Error())
				return nil, d.connack(conn, false, mqtt.BadUsernameOrPassword)
			}
		}
		user = cp.Username
	}
	if user == nil && d.Auth != nil && !d.AllowAnonymous {
		d.logAuth(cp.ClientID, false, "anonymous connections refused")
		return nil, d.connack(conn, false, mqtt.BadUsernameOrPassword)
	}
	if len(d.ClientIDPrefixes) > 0 && !matchesPrefix(cp.ClientID, d.ClientIDPrefixes) {
		return nil, &er.Err{Context: "protocol.HandleConnect", Message: er.ErrIdentifierRejected}
	}
	d.logAuth(cp.ClientID, true, "")

	sessionPresent := false
	var c *session.Client

	if existing, ok := d.Sessions.Connected(cp.ClientID); ok {
		existing.Lock()
		existing.Closing = true
		old := existing.Conn
		existing.Unlock()
		if old != nil {
			old.Close()
		}
		if cp.CleanSession {
			d.Sessions.Free(cp.ClientID)
		} else {
			// Takeover keeps the durable session's windows and queued
			// lists; only the socket changes hands.
			c = existing
			sessionPresent = true
			c.TouchAllInflightOutForResend()
		}
		d.Log.LogError(er.ErrClientTakeover, "client takeover", logger.ClientID(cp.ClientID))
	}

	if c == nil && !cp.CleanSession {
		if _, ok := d.Sessions.Disconnected(cp.ClientID); ok {
			c, _ = d.Sessions.Reattach(cp.ClientID)
			sessionPresent = true
			c.TouchAllInflightOutForResend()
		}
	}

	if c == nil {
		c = session.NewClient(cp.ClientID, session.VariantMQTT)
		d.Sessions.InsertConnected(c)
	}

	c.Conn = conn
	c.RemoteAddr = remoteAddr
	c.Variant = session.VariantMQTT
	c.AuthenticatedUser = user
	c.CleanSession = cp.CleanSession
	c.NoLocal = cp.IsPrivate()
	c.KeepAlive = cp.KeepAlive
	c.Connected = true
	c.Good = true
	c.Closing = false
	c.ConnectState = session.StateConnackSent

	if cp.CleanSession {
		c.ResetForCleanSession()
	}

	if cp.WillFlag {
		c.Will = &session.Will{
			Topic:   *cp.WillTopic,
			Message: []byte(*cp.WillMessage),
			QoS:     model.QoS(cp.WillQoS),
			Retain:  cp.WillRetain,
		}
	} else {
		c.Will = nil
	}

	d.Log.LogClientConnection(cp.ClientID, remoteAddr, "connect")

	if err := d.connack(conn, sessionPresent, mqtt.ConnectionAccepted); err != nil {
		return c, err
	}
	return c, d.Delivery.ProcessQueued(c)
}

func (d *MQTTDispatcher) connack(conn session.Conn, sessionPresent bool, code byte) error {
	ack := mqtt.NewConnack(sessionPresent, code)
	_, err := conn.Write(ack.Encode())
	return err
}

func (d *MQTTDispatcher) logAuth(username string, ok bool, reason string) {
	if d.Log == nil {
		return
	}
	d.Log.LogAuth("", username, ok, reason)
}

func matchesPrefix(clientID string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(clientID, p) {
			return true
		}
	}
	return false
}

// topicFor prepends a listener's mount point to a filter or topic name,
// per §4.2's "topics are rewritten as though prefixed by the mount
// point" rule.
func topicFor(c *session.Client, topic string) string {
	if c.MountPoint == "" {
		return topic
	}
	return c.MountPoint + topic
}

// HandlePublish processes an inbound PUBLISH: ACL-checks the write,
// retains if requested, fans out to subscribers, and acks per QoS.
func (d *MQTTDispatcher) HandlePublish(c *session.Client, pp *mqtt.PublishPacket) error {
	topic := topicFor(c, pp.Topic)

	if d.ACL != nil && !d.ACL.Allow(c.AuthenticatedUser, topic, acl.Write) {
		return &er.Err{Context: "protocol.HandlePublish", Message: er.ErrACLDenied}
	}

	if d.Log != nil {
		d.Log.LogPublish(c.ClientID, topic, int(pp.QoS), pp.Retain, len(pp.Payload))
	}

	qos := model.QoS(pp.QoS)

	if pp.QoS == 2 {
		id := *pp.PacketID
		pub := model.NewPublication(topic, pp.Payload, qos, pp.Retain)
		if prior := c.UpsertInflightIn(id, pub); prior != nil {
			prior.Release()
		}
		return d.write(c, mqtt.EncodePubrec(id))
	}

	if pp.Retain {
		d.Subs.SetRetained(topic, qos, pp.Payload)
		if d.Log != nil {
			d.Log.LogRetainedMessage(topic, "set", len(pp.Payload))
		}
	}

	if err := d.fanOut(c, topic, qos, pp.Payload, pp.Retain); err != nil {
		return err
	}

	if pp.QoS == 1 && pp.PacketID != nil {
		return d.write(c, mqtt.EncodePuback(*pp.PacketID))
	}
	return nil
}

// HandlePubrel completes the inbound half of a QoS 2 exchange (§4.4.3):
// the publication was stored, not delivered, on the original PUBLISH;
// PUBREL is what actually delivers it to subscribers, then PUBCOMP is
// sent and the stored entry is dropped.
func (d *MQTTDispatcher) HandlePubrel(c *session.Client, packetID uint16) error {
	if m, ok := c.RemoveInflightIn(packetID); ok && m.Pub != nil {
		if m.Pub.Retain {
			d.Subs.SetRetained(m.Pub.Topic, m.Pub.QoS, m.Pub.Payload)
		}
		err := d.fanOut(c, m.Pub.Topic, m.Pub.QoS, m.Pub.Payload, m.Pub.Retain)
		m.Pub.Release()
		if err != nil {
			return err
		}
	}
	return d.write(c, mqtt.EncodePubcomp(packetID))
}

// fanOut delivers payload to every subscriber of topic, capping each
// subscriber's delivered QoS at the lesser of publish and subscribe QoS
// (§4.3), excluding no_local subscriptions owned by the publisher.
func (d *MQTTDispatcher) fanOut(c *session.Client, topic string, qos model.QoS, payload []byte, retain bool) error {
	for _, br := range d.Bridges {
		br.Forward(topic, byte(qos), retain, payload)
	}

	subs := d.Subs.GetSubscribers(topic, c.ClientID)
	if len(subs) == 0 {
		return nil
	}

	pub := model.NewPublication(topic, payload, qos, retain)
	defer pub.Release()

	for _, sub := range subs {
		deliverQoS := model.MinQoS(qos, sub.QoS)
		target, ok := d.Sessions.Connected(sub.ClientID)
		if !ok {
			// Durable subscribers hold QoS >= 1 publications across a
			// disconnect; QoS 0 does not survive one (§4.4.5 step 8).
			if dc, off := d.Sessions.Disconnected(sub.ClientID); off && deliverQoS != model.QoS0 {
				m := &model.Message{QoS: deliverQoS, Retain: retain, Pub: pub.Acquire()}
				if err := d.Delivery.QueueForDisconnected(dc, m, sub.Priority); err != nil {
					d.Log.LogError(err, "offline queue failed", logger.ClientID(sub.ClientID))
				}
			}
			continue
		}
		m := &model.Message{QoS: deliverQoS, Retain: retain, Pub: pub.Acquire()}
		if err := d.Delivery.StartOrQueuePublish(target, m, sub.Priority); err != nil {
			d.Log.LogError(err, "publish delivery failed", logger.ClientID(sub.ClientID))
		}
	}
	return nil
}

// HandleSubscribe grants each requested filter (capped by filter
// validity and ACL read permission), replies SUBACK, then fans out
// retained matches — in that order, per §4.4.2: retained replay may
// fill the outbox, so the SUBACK goes first. An invalid or denied
// filter fails individually without aborting the batch.
func (d *MQTTDispatcher) HandleSubscribe(c *session.Client, sp *mqtt.SubscribePacket) error {
	type grant struct {
		topic string
		qos   model.QoS
	}
	codes := make([]byte, len(sp.Filters))
	granted := make([]grant, 0, len(sp.Filters))
	seen := make(map[string]bool, len(sp.Filters))

	for i, f := range sp.Filters {
		topic := topicFor(c, f.Topic)
		if err := topicfilter.Valid(topic); err != nil {
			codes[i] = mqtt.SubackFailure
			continue
		}
		if d.ACL != nil && !d.ACL.Allow(c.AuthenticatedUser, topic, acl.Read) {
			codes[i] = mqtt.SubackFailure
			continue
		}
		codes[i] = mqtt.GrantedQoS(f.QoS)
		if seen[topic] {
			continue
		}
		seen[topic] = true
		d.Subs.Subscribe(c.ClientID, topic, model.QoS(f.QoS), c.NoLocal, !c.CleanSession, model.PriorityNormal)
		granted = append(granted, grant{topic, model.QoS(f.QoS)})
		if d.Log != nil {
			d.Log.LogSubscription(c.ClientID, topic, int(f.QoS), "subscribe")
		}
	}

	suback := &mqtt.SubackPacket{PacketID: sp.PacketID, ReturnCodes: codes}
	if err := d.write(c, suback.Encode()); err != nil {
		return err
	}

	for _, g := range granted {
		for _, rm := range d.Subs.GetRetained(g.topic) {
			replayQoS := model.MinQoS(rm.QoS, g.qos)
			m := &model.Message{
				QoS:    replayQoS,
				Retain: true,
				Pub:    model.NewPublication(rm.Topic, rm.Payload, rm.QoS, true),
			}
			if err := d.Delivery.StartOrQueuePublish(c, m, model.PriorityNormal); err != nil {
				d.Log.LogError(err, "retained fan-out failed", logger.ClientID(c.ClientID))
			}
		}
	}
	return nil
}

// HandleUnsubscribe removes the named filters and replies UNSUBACK.
func (d *MQTTDispatcher) HandleUnsubscribe(c *session.Client, up *mqtt.UnsubscribePacket) error {
	for _, f := range up.TopicFilters {
		topic := topicFor(c, f)
		d.Subs.Unsubscribe(c.ClientID, topic)
		if d.Log != nil {
			d.Log.LogSubscription(c.ClientID, topic, 0, "unsubscribe")
		}
	}
	ack := &mqtt.UnsubackPacket{PacketID: up.PacketID}
	return d.write(c, ack.Encode())
}

// HandlePuback completes a QoS 1 outbound delivery.
func (d *MQTTDispatcher) HandlePuback(c *session.Client, packetID uint16) error {
	if d.Log != nil {
		d.Log.LogQoSFlow(c.ClientID, packetID, 1, "PUBACK_RECEIVED")
	}
	return d.Delivery.AckPubAck(c, packetID)
}

// HandlePubrec advances a QoS 2 outbound delivery and sends PUBREL.
func (d *MQTTDispatcher) HandlePubrec(c *session.Client, packetID uint16) error {
	if d.Log != nil {
		d.Log.LogQoSFlow(c.ClientID, packetID, 2, "PUBREC_RECEIVED")
	}
	if m := d.Delivery.AckPubRec(c, packetID); m != nil {
		return d.write(c, mqtt.EncodePubrel(packetID))
	}
	return nil
}

// HandlePubcomp completes a QoS 2 outbound delivery.
func (d *MQTTDispatcher) HandlePubcomp(c *session.Client, packetID uint16) error {
	if d.Log != nil {
		d.Log.LogQoSFlow(c.ClientID, packetID, 2, "PUBCOMP_RECEIVED")
	}
	return d.Delivery.AckPubComp(c, packetID)
}

// HandlePingreq answers a keepalive ping with PINGRESP. LastContact is
// refreshed by the listener's reader on every inbound packet, not here;
// the housekeeping ticker checks LastContact to evict stale connections.
func (d *MQTTDispatcher) HandlePingreq(c *session.Client) error {
	return d.write(c, (&mqtt.PingrespPacket{}).Encode())
}

// CloseSession implements §4.4.5: publish the will if one is armed,
// then either free the session (clean_session=1) or move it to the
// disconnected index, dropping queued QoS-0 messages either way.
func (d *MQTTDispatcher) CloseSession(c *session.Client, publishWill bool) error {
	if c.IsDispatching() {
		return nil
	}

	c.Lock()
	c.Connected = false
	c.Conn = nil
	c.Unlock()

	if publishWill && c.Will != nil {
		topic := topicFor(c, c.Will.Topic)
		if c.Will.Retain {
			d.Subs.SetRetained(topic, c.Will.QoS, c.Will.Message)
		}
		if err := d.fanOut(c, topic, c.Will.QoS, c.Will.Message, c.Will.Retain); err != nil {
			d.Log.LogError(err, "will publish failed", logger.ClientID(c.ClientID))
		}
	}

	if c.CleanSession {
		d.Subs.UnsubscribeAll(c.ClientID)
		d.Sessions.Free(c.ClientID)
	} else {
		c.DropQueuedQoS0()
		d.Sessions.MoveToDisconnected(c)
	}

	d.Log.LogClientConnection(c.ClientID, c.RemoteAddr, "disconnect")
	return nil
}
