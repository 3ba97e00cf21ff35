// Package mqttpub mirrors decoded transport units onto an MQTT topic so
// off-board tooling can watch a diagnostic exchange live.
package mqttpub

import (
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/cantools/isotap/logging"
	"github.com/cantools/isotap/metrics"
	"github.com/cantools/isotap/tp"
)

// Publisher pushes one JSON record per decoded unit, QoS 0 fire-and-forget:
// a mirror must never stall the tap loop.
type Publisher struct {
	client mqtt.Client
	topic  string
}

// record is the wire shape of one mirrored unit.
type record struct {
	ID   uint32 `json:"id"`
	Kind string `json:"kind"`
	Data []byte `json:"data,omitempty"`
}

// Connect dials the broker and returns a ready publisher. The client
// reconnects on its own; publishes during an outage are silently lost.
func Connect(broker, clientID, topic string) (*Publisher, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("mqtt connect to %s timed out", broker)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}

	logging.L().Info().Str("broker", broker).Str("topic", topic).Msg("mqtt mirror up")
	return &Publisher{client: client, topic: topic}, nil
}

// publishWaitTimeout bounds how long a delivery confirmation is awaited.
// During a broker outage tokens never complete; waiting on them without a
// deadline would pile up one goroutine per mirrored unit.
const publishWaitTimeout = 5 * time.Second

// Publish mirrors one decoded unit. Errors are counted, not returned: the
// mirror is advisory.
func (p *Publisher) Publish(frame tp.CanFrame, pdu *tp.PDU) {
	payload, err := json.Marshal(record{
		ID:   frame.ID,
		Kind: pdu.PCI.Type.String(),
		Data: pdu.Payload(),
	})
	if err != nil {
		metrics.IncError(metrics.ErrMQTTPublish)
		return
	}
	token := p.client.Publish(p.topic, 0, false, payload)
	go func() {
		if !tokenDelivered(token, publishWaitTimeout) {
			metrics.IncError(metrics.ErrMQTTPublish)
		}
	}()
}

// tokenDelivered reports whether the token completed cleanly within d. A
// timeout counts as failure.
func tokenDelivered(t mqtt.Token, d time.Duration) bool {
	if !t.WaitTimeout(d) {
		return false
	}
	return t.Error() == nil
}

// Close disconnects from the broker, allowing a short drain.
func (p *Publisher) Close() {
	p.client.Disconnect(500)
}
