package protocol

import (
	"sync"

	"github.com/nilsen/cindermq/internal/acl"
	"github.com/nilsen/cindermq/internal/delivery"
	"github.com/nilsen/cindermq/internal/logger"
	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/internal/session"
	"github.com/nilsen/cindermq/internal/subscription"
	"github.com/nilsen/cindermq/internal/topicfilter"
	"github.com/nilsen/cindermq/internal/wire/mqttsn"
	"github.com/nilsen/cindermq/pkg/er"
)

// SNDispatcher drives the MQTT-SN side of the protocol state machine.
// It shares the session store, subscription engine and delivery
// pipeline with MQTTDispatcher; the two protocols fan in and out of the
// same subscriber set (§4.2). There is no teacher analogue for MQTT-SN
// handling, so this follows the same handler-per-message-type shape as
// MQTTDispatcher rather than a distinct idiom.
type SNDispatcher struct {
	Sessions *session.Store
	Subs     *subscription.Engine
	Delivery *delivery.Pipeline
	ACL      *acl.ACL
	Log      *logger.Logger
	Bridges  []BridgeForwarder

	topicIDMu   sync.Mutex
	nextTopicID uint16
}

// SendPublish satisfies delivery.Sender for MQTT-SN subscribers: it
// resolves a registered topic id for m.Pub.Topic and sends PUBLISH
// addressed by that id. A topic the client has never seen is first
// REGISTERed, and the publish itself is held back with
// ErrRegistrationPending until the matching REGACK arrives (§4.5) —
// the delivery pipeline keeps the message queued or inflight and
// releases it from HandleRegack.
func (d *SNDispatcher) SendPublish(c *session.Client, m *model.Message) error {
	reg := c.FindRegistrationByTopic(m.Pub.Topic)
	if reg == nil {
		reg = d.registerTopic(c, m.Pub.Topic, true)
	}
	if reg.Pending {
		if err := d.write(c, (&mqttsn.RegisterPacket{TopicID: reg.TopicID, Topic: m.Pub.Topic}).Encode()); err != nil {
			return err
		}
		return &er.Err{Context: "protocol.SendPublish", Message: er.ErrRegistrationPending}
	}

	pp := &mqttsn.PublishPacket{
		TopicIDType: mqttsn.TopicNormal,
		Dup:         m.Dup,
		QoS:         byte(m.QoS),
		Retain:      m.Retain,
		TopicID:     reg.TopicID,
		Payload:     m.Pub.Payload,
	}
	if m.QoS != model.QoS0 {
		pp.MsgID = m.MsgID
	}
	return d.write(c, pp.Encode())
}

// SendPubrel satisfies delivery.Sender: it resends the PUBREL for a QoS
// 2 delivery awaiting PUBCOMP. MQTT-SN's PUBREL frame is a bare message
// type plus msg id, same as its PUBACK/PUBCOMP acks.
func (d *SNDispatcher) SendPubrel(c *session.Client, msgID uint16) error {
	return d.write(c, mqttsn.EncodeMsgID(mqttsn.PUBREL, msgID))
}

func (d *SNDispatcher) write(c *session.Client, frame []byte) error {
	select {
	case c.Outbox <- frame:
		return nil
	default:
		return &er.Err{Context: "protocol.write", Message: er.ErrQueueFull}
	}
}

// registerTopic allocates a fresh topic id and records the registration
// on c; ids wrap the same way message ids do (never 0, per §4.10). A
// pending registration is one the broker initiated itself and is still
// waiting on the client's REGACK for (invariant I6).
func (d *SNDispatcher) registerTopic(c *session.Client, topic string, pending bool) *session.Registration {
	d.topicIDMu.Lock()
	d.nextTopicID++
	if d.nextTopicID == 0 {
		d.nextTopicID = 1
	}
	id := d.nextTopicID
	d.topicIDMu.Unlock()

	reg := &session.Registration{TopicID: id, Topic: topic, Pending: pending}
	c.AppendRegistration(reg)
	return reg
}

// HandleRegack completes a broker-initiated REGISTER: the topic id is
// now usable, so anything held back behind the registration drains.
func (d *SNDispatcher) HandleRegack(c *session.Client, p *mqttsn.RegAckPacket) error {
	if p.ReturnCode != mqttsn.RCAccepted {
		c.CompleteRegistration(p.TopicID)
		return nil
	}
	if !c.CompleteRegistration(p.TopicID) {
		return nil
	}
	c.TouchAllInflightOutForResend()
	return d.Delivery.ProcessQueued(c)
}

// HandleConnect runs the MQTT-SN connect handshake (§4.4.1 MQTT-SN
// variant): a will flag moves the client into the
// WILLTOPICREQ/WILLTOPIC/WILLMSGREQ/WILLMSG exchange before CONNACK;
// no will flag goes straight to CONNACK.
func (d *SNDispatcher) HandleConnect(conn session.Conn, remoteAddr string, cp *mqttsn.ConnectPacket) (*session.Client, error) {
	var c *session.Client
	sessionPresent := false

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
			// lists; only the link moves to the new source address.
			c = existing
			sessionPresent = true
			c.TouchAllInflightOutForResend()
		}
	}

	if c == nil && !cp.CleanSession {
		if _, ok := d.Sessions.Disconnected(cp.ClientID); ok {
			c, _ = d.Sessions.Reattach(cp.ClientID)
			sessionPresent = true
			c.TouchAllInflightOutForResend()
		}
	}
	if c == nil {
		c = session.NewClient(cp.ClientID, session.VariantMQTTSN)
		d.Sessions.InsertConnected(c)
	}

	c.Conn = conn
	c.RemoteAddr = remoteAddr
	c.Variant = session.VariantMQTTSN
	c.CleanSession = cp.CleanSession
	c.KeepAlive = cp.Duration
	c.Connected = true
	c.Good = true
	c.Closing = false

	if cp.CleanSession {
		c.ResetForCleanSession()
	}

	if cp.Will {
		c.ConnectState = session.StateAwaitingWillTopic
		return c, d.write(c, mqttsn.Frame([]byte{byte(mqttsn.WILLTOPICREQ)}))
	}

	c.ConnectState = session.StateConnackSent
	if err := d.connack(c, sessionPresent, mqttsn.RCAccepted); err != nil {
		return c, err
	}
	return c, d.Delivery.ProcessQueued(c)
}

func (d *SNDispatcher) connack(c *session.Client, sessionPresent bool, code byte) error {
	return d.write(c, (&mqttsn.ConnackPacket{ReturnCode: code}).Encode())
}

// HandleWillTopic receives the client's will topic during the connect
// handshake and requests the will message next.
func (d *SNDispatcher) HandleWillTopic(c *session.Client, p *mqttsn.WillTopicPacket) error {
	if c.ConnectState != session.StateAwaitingWillTopic {
		return nil
	}
	c.Will = &session.Will{Topic: p.Topic, QoS: model.QoS(p.QoS), Retain: p.Retain}
	c.ConnectState = session.StateAwaitingWillMsg
	return d.write(c, mqttsn.Frame([]byte{byte(mqttsn.WILLMSGREQ)}))
}

// HandleWillMsg completes the will handshake and sends CONNACK.
func (d *SNDispatcher) HandleWillMsg(c *session.Client, p *mqttsn.WillMsgPacket) error {
	if c.ConnectState != session.StateAwaitingWillMsg {
		return nil
	}
	if c.Will != nil {
		c.Will.Message = []byte(p.Message)
	}
	c.ConnectState = session.StateConnackSent
	if err := d.connack(c, false, mqttsn.RCAccepted); err != nil {
		return err
	}
	return d.Delivery.ProcessQueued(c)
}

// HandleRegister answers a client-initiated topic registration.
func (d *SNDispatcher) HandleRegister(c *session.Client, p *mqttsn.RegisterPacket) error {
	reg := c.FindRegistrationByTopic(p.Topic)
	if reg == nil {
		reg = d.registerTopic(c, p.Topic, false)
	}
	ack := &mqttsn.RegAckPacket{TopicID: reg.TopicID, MsgID: p.MsgID, ReturnCode: mqttsn.RCAccepted}
	return d.write(c, ack.Encode())
}

// topicFromPublish resolves a PUBLISH's topic id to a name. A short
// topic id carries the two-character topic name itself (no registration
// table lookup needed); a normal topic id is looked up in the client's
// registrations. Predefined topic ids are rejected: no predefined-id
// table is configured. The special QoS 3 one-shot anonymous publish
// whose TopicID field is actually a topic-name length into a pre-agreed
// table is out of scope here per the MQTT-SN open question recorded in
// the session model, so QoS 3 publishes with no matching registration
// are rejected rather than guessed at.
func (d *SNDispatcher) topicFromPublish(c *session.Client, p *mqttsn.PublishPacket) (string, bool) {
	switch p.TopicIDType {
	case mqttsn.TopicShort:
		return string([]byte{byte(p.TopicID >> 8), byte(p.TopicID)}), true
	case mqttsn.TopicPredefined:
		return "", false
	default:
		reg := c.FindRegistrationByID(p.TopicID)
		if reg == nil {
			return "", false
		}
		return reg.Topic, true
	}
}

// HandlePublish processes an inbound MQTT-SN PUBLISH the same way the
// MQTT dispatcher does, differing only in topic-id resolution and the
// PUBACK/PUBREC reply shapes.
func (d *SNDispatcher) HandlePublish(c *session.Client, p *mqttsn.PublishPacket) error {
	topic, ok := d.topicFromPublish(c, p)
	if !ok {
		return d.write(c, (&mqttsn.PubAckPacket{TopicID: p.TopicID, MsgID: p.MsgID, ReturnCode: mqttsn.RCRejectedInvalidTopic}).Encode())
	}
	topic = topicFor(c, topic)

	if d.ACL != nil && !d.ACL.Allow(c.AuthenticatedUser, topic, acl.Write) {
		return d.write(c, (&mqttsn.PubAckPacket{TopicID: p.TopicID, MsgID: p.MsgID, ReturnCode: mqttsn.RCRejectedNotSupported}).Encode())
	}

	if d.Log != nil {
		d.Log.LogPublish(c.ClientID, topic, int(p.QoS), p.Retain, len(p.Payload))
	}

	qos := model.QoS(p.QoS)

	if p.QoS == 2 {
		pub := model.NewPublication(topic, p.Payload, qos, p.Retain)
		if prior := c.UpsertInflightIn(p.MsgID, pub); prior != nil {
			prior.Release()
		}
		return d.write(c, mqttsn.EncodeMsgID(mqttsn.PUBREC, p.MsgID))
	}

	if p.Retain {
		d.Subs.SetRetained(topic, qos, p.Payload)
	}
	if err := d.fanOut(c, topic, qos, p.Payload, p.Retain); err != nil {
		return err
	}

	if p.QoS == 1 {
		return d.write(c, (&mqttsn.PubAckPacket{TopicID: p.TopicID, MsgID: p.MsgID, ReturnCode: mqttsn.RCAccepted}).Encode())
	}
	return nil
}

func (d *SNDispatcher) fanOut(c *session.Client, topic string, qos model.QoS, payload []byte, retain bool) error {
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
			// disconnect; QoS 0 does not survive one.
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

// HandlePubrel completes the inbound half of a QoS 2 exchange (§4.4.3):
// delivers the publication stored by HandlePublish to subscribers, then
// sends PUBCOMP and drops the entry.
func (d *SNDispatcher) HandlePubrel(c *session.Client, msgID uint16) error {
	if m, ok := c.RemoveInflightIn(msgID); ok && m.Pub != nil {
		if m.Pub.Retain {
			d.Subs.SetRetained(m.Pub.Topic, m.Pub.QoS, m.Pub.Payload)
		}
		err := d.fanOut(c, m.Pub.Topic, m.Pub.QoS, m.Pub.Payload, m.Pub.Retain)
		m.Pub.Release()
		if err != nil {
			return err
		}
	}
	return d.write(c, mqttsn.EncodeMsgID(mqttsn.PUBCOMP, msgID))
}

// HandleSubscribe grants a SUBSCRIBE, assigning/echoing a topic id so
// the client can address future PUBLISHes by id, then fans out
// retained matches.
func (d *SNDispatcher) HandleSubscribe(c *session.Client, p *mqttsn.SubscribePacket) error {
	if p.TopicIDType == mqttsn.TopicPredefined {
		return d.write(c, (&mqttsn.SubAckPacket{MsgID: p.MsgID, ReturnCode: mqttsn.RCRejectedNotSupported}).Encode())
	}

	topic := topicFor(c, p.Topic)
	if d.ACL != nil && !d.ACL.Allow(c.AuthenticatedUser, topic, acl.Read) {
		return d.write(c, (&mqttsn.SubAckPacket{MsgID: p.MsgID, ReturnCode: mqttsn.RCRejectedNotSupported}).Encode())
	}

	// A wildcard filter gets no topic id of its own; ids are minted per
	// concrete topic when matching publications are delivered.
	var topicID uint16
	if !topicfilter.HasWildcards(p.Topic) {
		reg := c.FindRegistrationByTopic(p.Topic)
		if reg == nil {
			reg = d.registerTopic(c, p.Topic, false)
		}
		topicID = reg.TopicID
	}

	d.Subs.Subscribe(c.ClientID, topic, model.QoS(p.QoS), false, !c.CleanSession, model.PriorityNormal)
	if d.Log != nil {
		d.Log.LogSubscription(c.ClientID, topic, int(p.QoS), "subscribe")
	}

	ack := &mqttsn.SubAckPacket{QoS: p.QoS, TopicID: topicID, MsgID: p.MsgID, ReturnCode: mqttsn.RCAccepted}
	if err := d.write(c, ack.Encode()); err != nil {
		return err
	}

	grantedQoS := model.QoS(p.QoS)
	for _, rm := range d.Subs.GetRetained(topic) {
		replayQoS := model.MinQoS(rm.QoS, grantedQoS)
		m := &model.Message{QoS: replayQoS, Retain: true, Pub: model.NewPublication(rm.Topic, rm.Payload, rm.QoS, true)}
		if err := d.Delivery.StartOrQueuePublish(c, m, model.PriorityNormal); err != nil {
			d.Log.LogError(err, "retained fan-out failed", logger.ClientID(c.ClientID))
		}
	}
	return nil
}

// HandleUnsubscribe removes a subscription and replies UNSUBACK.
func (d *SNDispatcher) HandleUnsubscribe(c *session.Client, p *mqttsn.SubscribePacket) error {
	topic := topicFor(c, p.Topic)
	d.Subs.Unsubscribe(c.ClientID, topic)
	if d.Log != nil {
		d.Log.LogSubscription(c.ClientID, topic, 0, "unsubscribe")
	}
	return d.write(c, mqttsn.EncodeMsgID(mqttsn.UNSUBACK, p.MsgID))
}

// HandlePuback completes a QoS 1 outbound delivery.
func (d *SNDispatcher) HandlePuback(c *session.Client, p *mqttsn.PubAckPacket) error {
	if d.Log != nil {
		d.Log.LogQoSFlow(c.ClientID, p.MsgID, 1, "PUBACK_RECEIVED")
	}
	return d.Delivery.AckPubAck(c, p.MsgID)
}

// HandlePubrec advances a QoS 2 outbound delivery and sends PUBREL.
func (d *SNDispatcher) HandlePubrec(c *session.Client, msgID uint16) error {
	if d.Log != nil {
		d.Log.LogQoSFlow(c.ClientID, msgID, 2, "PUBREC_RECEIVED")
	}
	if m := d.Delivery.AckPubRec(c, msgID); m != nil {
		return d.write(c, mqttsn.EncodeMsgID(mqttsn.PUBREL, msgID))
	}
	return nil
}

// HandlePubcomp completes a QoS 2 outbound delivery.
func (d *SNDispatcher) HandlePubcomp(c *session.Client, msgID uint16) error {
	if d.Log != nil {
		d.Log.LogQoSFlow(c.ClientID, msgID, 2, "PUBCOMP_RECEIVED")
	}
	return d.Delivery.AckPubComp(c, msgID)
}

// HandlePingreq answers a keepalive ping.
func (d *SNDispatcher) HandlePingreq(c *session.Client) error {
	return d.write(c, mqttsn.Frame([]byte{byte(mqttsn.PINGRESP)}))
}

// HandleWillTopicUpd replaces a connected client's will topic outside
// the connect handshake and acknowledges with WILLTOPICRESP. An empty
// topic deletes the will entirely.
func (d *SNDispatcher) HandleWillTopicUpd(c *session.Client, p *mqttsn.WillTopicPacket) error {
	if p.Topic == "" {
		c.Will = nil
	} else if c.Will == nil {
		c.Will = &session.Will{Topic: p.Topic, QoS: model.QoS(p.QoS), Retain: p.Retain}
	} else {
		c.Will.Topic = p.Topic
		c.Will.QoS = model.QoS(p.QoS)
		c.Will.Retain = p.Retain
	}
	return d.write(c, mqttsn.Frame([]byte{byte(mqttsn.WILLTOPICRESP), mqttsn.RCAccepted}))
}

// HandleWillMsgUpd replaces a connected client's will payload and
// acknowledges with WILLMSGRESP.
func (d *SNDispatcher) HandleWillMsgUpd(c *session.Client, p *mqttsn.WillMsgPacket) error {
	if c.Will != nil {
		c.Will.Message = []byte(p.Message)
	}
	return d.write(c, mqttsn.Frame([]byte{byte(mqttsn.WILLMSGRESP), mqttsn.RCAccepted}))
}

// CloseSession mirrors MQTTDispatcher.CloseSession for MQTT-SN clients.
func (d *SNDispatcher) CloseSession(c *session.Client, publishWill bool) error {
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
