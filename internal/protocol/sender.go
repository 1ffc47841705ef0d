package protocol

import (
	"github.com/nilsen/cindermq/internal/model"
	"github.com/nilsen/cindermq/internal/session"
)

// VariantSender routes the delivery pipeline's sends to the wire codec
// matching each subscriber's protocol variant, so an MQTT publisher can
// fan out to an MQTT-SN subscriber (and vice versa) without either
// dispatcher knowing about the other's framing. Both protocols share
// one pipeline and one subscriber set (§4.2); this is the seam where
// they split back apart.
type VariantSender struct {
	MQTT *MQTTDispatcher
	SN   *SNDispatcher
}

func (v *VariantSender) SendPublish(c *session.Client, m *model.Message) error {
	if c.Variant == session.VariantMQTTSN {
		return v.SN.SendPublish(c, m)
	}
	return v.MQTT.SendPublish(c, m)
}

func (v *VariantSender) SendPubrel(c *session.Client, msgID uint16) error {
	if c.Variant == session.VariantMQTTSN {
		return v.SN.SendPubrel(c, msgID)
	}
	return v.MQTT.SendPubrel(c, msgID)
}
