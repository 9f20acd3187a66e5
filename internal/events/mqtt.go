// Package events forwards device lifecycle events to an MQTT broker so that
// control panels and automations can follow displays coming and going.
package events

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/signcast/host/internal/pairing"
)

// queueSize bounds events waiting for the broker. When full, new events are
// dropped and counted.
const queueSize = 256

// publishTimeout bounds a single broker round trip.
const publishTimeout = 5 * time.Second

// drainTimeout bounds how long Close waits for queued events to go out.
const drainTimeout = 5 * time.Second

// Broker is the part of an MQTT client the publisher needs.
type Broker interface {
	Publish(topic string, payload []byte) error
	Close()
}

// Publisher implements pairing.EventSink over a Broker. Publish never blocks.
type Publisher struct {
	broker Broker
	prefix string

	queue     chan pairing.LifecycleEvent
	done      chan struct{}
	stopped   chan struct{} // closed when run has drained and disconnected
	closeOnce sync.Once
	drainWait time.Duration

	mu      sync.Mutex
	dropped int
}

// NewPublisher starts the delivery goroutine.
func NewPublisher(b Broker, topicPrefix string) *Publisher {
	p := &Publisher{
		broker:    b,
		prefix:    topicPrefix,
		queue:     make(chan pairing.LifecycleEvent, queueSize),
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
		drainWait: drainTimeout,
	}
	go p.run()
	return p
}

// Publish implements pairing.EventSink.
func (p *Publisher) Publish(e pairing.LifecycleEvent) {
	select {
	case <-p.done:
		return
	default:
	}
	select {
	case p.queue <- e:
	default:
		p.mu.Lock()
		p.dropped++
		p.mu.Unlock()
	}
}

// Dropped returns how many events were discarded because the queue was full.
func (p *Publisher) Dropped() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dropped
}

// Close delivers queued events, then disconnects from the broker. It returns
// once that is done, or after drainTimeout if the broker is not keeping up.
func (p *Publisher) Close() {
	p.closeOnce.Do(func() {
		close(p.done)
	})

	timer := time.NewTimer(p.drainWait)
	defer timer.Stop()
	select {
	case <-p.stopped:
	case <-timer.C:
		log.Printf("events: gave up waiting for %d queued events", len(p.queue))
	}
}

func (p *Publisher) run() {
	defer close(p.stopped)
	defer p.broker.Close()
	for {
		select {
		case e := <-p.queue:
			p.deliver(e)
		case <-p.done:
			for {
				select {
				case e := <-p.queue:
					p.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (p *Publisher) deliver(e pairing.LifecycleEvent) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("events: failed to encode %s event: %v", e.Kind, err)
		return
	}
	topic := Topic(p.prefix, e)
	if err := p.broker.Publish(topic, payload); err != nil {
		log.Printf("events: failed to publish to %s: %v", topic, err)
	}
}

// Topic returns "<prefix>/devices/<id>/<kind>" for registered devices and
// "<prefix>/connections/<connection>/<kind>" for sockets without an id yet.
func Topic(prefix string, e pairing.LifecycleEvent) string {
	if e.DeviceID != 0 {
		return fmt.Sprintf("%s/devices/%d/%s", prefix, e.DeviceID, e.Kind)
	}
	return fmt.Sprintf("%s/connections/%s/%s", prefix, e.ConnectionID, e.Kind)
}

// Client is a paho client satisfying Broker.
type Client struct {
	cli mqtt.Client
}

// Dial connects to brokerURL. Accepted schemes: mqtt, tcp, ssl, tls, ws, wss.
// Credentials may be embedded in the URL.
func Dial(brokerURL, clientID string) (*Client, error) {
	u, err := url.Parse(brokerURL)
	if err != nil {
		return nil, fmt.Errorf("parse broker url: %w", err)
	}

	opts := mqtt.NewClientOptions()
	switch u.Scheme {
	case "mqtt", "tcp":
		opts.AddBroker("tcp://" + u.Host)
	case "ssl", "tls":
		opts.AddBroker("ssl://" + u.Host)
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	case "ws", "wss":
		opts.AddBroker(u.Scheme + "://" + u.Host + u.Path)
	default:
		return nil, fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	if clientID == "" {
		clientID = "signcast-" + time.Now().Format("150405.000")
	}
	opts.SetClientID(clientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectTimeout(publishTimeout)
	if u.User != nil {
		pw, _ := u.User.Password()
		opts.SetUsername(u.User.Username())
		opts.SetPassword(pw)
	}
	opts.OnConnect = func(mqtt.Client) { log.Printf("events: connected to %s", u.Host) }
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		log.Printf("events: connection to %s lost: %v", u.Host, err)
	}

	cli := mqtt.NewClient(opts)
	t := cli.Connect()
	if !t.WaitTimeout(publishTimeout) {
		return nil, errors.New("mqtt connect timed out")
	}
	if err := t.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	return &Client{cli: cli}, nil
}

// Publish sends payload at QoS 0 without retain.
func (c *Client) Publish(topic string, payload []byte) error {
	t := c.cli.Publish(topic, 0, false, payload)
	if !t.WaitTimeout(publishTimeout) {
		return errors.New("mqtt publish timed out")
	}
	return t.Error()
}

// Close disconnects, allowing a short grace period for in-flight messages.
func (c *Client) Close() {
	c.cli.Disconnect(250)
}
