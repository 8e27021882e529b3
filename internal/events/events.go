package events

import (
	"encoding/json"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var ErrPublish = errors.New("error publishing event")

// Event kinds published on the bus.
const (
	KindJobCompleted      = "job.completed"
	KindJobReclaimed      = "job.reclaimed"
	KindAssetTransitioned = "asset.transitioned"
	KindVulnDetected      = "vulnerability.detected"
	KindPlaybookGenerated = "playbook.generated"
	KindExecutionFinished = "execution.finished"
)

// Event is the envelope published for every notable state change in the
// control plane.
type Event struct {
	Kind      string         `json:"kind"`
	TenantID  string         `json:"tenant_id"`
	Subject   string         `json:"subject"`
	Data      map[string]any `json:"data,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Publisher fans control plane events out to interested consumers.
// Implementations must tolerate being handed a nil receiver, callers
// treat the bus as optional.
type Publisher interface {
	Publish(event *Event) error
	Close()
}

// NatsPublisher publishes events onto NATS subjects of the form
// tower.events.<tenant>.<kind>.
type NatsPublisher struct {
	conn   *nats.Conn
	logger *logrus.Logger
}

func NewNatsPublisher(url string, logger *logrus.Logger) (*NatsPublisher, error) {
	conn, err := nats.Connect(
		url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
	)
	if err != nil {
		return nil, errors.Wrap(ErrPublish, err.Error())
	}

	return &NatsPublisher{conn: conn, logger: logger}, nil
}

func (p *NatsPublisher) Publish(event *Event) error {
	if p == nil {
		return nil
	}

	payload, err := json.Marshal(event)
	if err != nil {
		return errors.Wrap(ErrPublish, err.Error())
	}

	subject := "tower.events." + event.TenantID + "." + event.Kind
	if err := p.conn.Publish(subject, payload); err != nil {
		p.logger.WithFields(logrus.Fields{
			"subject": subject,
			"err":     err.Error(),
		}).Warn("event publish failed")

		return errors.Wrap(ErrPublish, err.Error())
	}

	return nil
}

func (p *NatsPublisher) Close() {
	if p == nil || p.conn == nil {
		return
	}

	p.conn.Close()
}

// NoopPublisher drops events, used when no bus is configured and in
// tests.
type NoopPublisher struct{}

func (NoopPublisher) Publish(_ *Event) error { return nil }
func (NoopPublisher) Close()                 {}
