// Package notify implements the optional MQTT publisher the Job Engine
// uses to announce job outcomes to external monitoring, an enrichment of
// the admin command channel that is never required for correctness.
// Modeled on the dxcluster pskreporter client, but as a publisher rather
// than a subscriber.
package notify

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// Event is the JSON payload published on a job state transition.
type Event struct {
	Ident   string `json:"ident"`
	Kind    string `json:"kind"`
	Outcome string `json:"outcome"`
	Message string `json:"message,omitempty"`
}

// Publisher publishes Events to a configured MQTT broker/topic. A nil
// *Publisher is valid and Publish becomes a no-op, so callers can wire it
// unconditionally and let config.NotifyConfig.Enabled gate construction.
type Publisher struct {
	topic  string
	client mqtt.Client
}

// Connect dials broker and returns a ready Publisher. Disconnects are
// handled by the client's own auto-reconnect; Publish simply drops events
// while disconnected rather than blocking the Job Engine boss loop.
func Connect(broker, topic string) (*Publisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(fmt.Sprintf("gnssingest-jobengine-%d", time.Now().Unix()))
	opts.SetKeepAlive(60 * time.Second)
	opts.SetPingTimeout(10 * time.Second)
	opts.SetConnectTimeout(10 * time.Second)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(1 * time.Minute)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("notify: mqtt connection lost: %v", err)
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("notify: connect to %s: %w", broker, token.Error())
	}
	return &Publisher{topic: topic, client: client}, nil
}

// Publish announces ev on the configured topic at QoS 0, best-effort: a
// publish failure is logged, never propagated, since notification is an
// enrichment and must never affect job outcomes.
func (p *Publisher) Publish(ev Event) {
	if p == nil {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		log.Printf("notify: marshal event for %s: %v", ev.Ident, err)
		return
	}
	token := p.client.Publish(p.topic, 0, false, data)
	go func() {
		if token.Wait() && token.Error() != nil {
			log.Printf("notify: publish %s: %v", ev.Ident, token.Error())
		}
	}()
}

// Close disconnects from the broker, waiting up to 250ms for in-flight
// publishes to drain.
func (p *Publisher) Close() {
	if p == nil {
		return
	}
	p.client.Disconnect(250)
}
