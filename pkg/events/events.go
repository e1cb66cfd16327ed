package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/entryline/gatescan/pkg/logger"
)

type Publisher interface {
	Publish(ctx context.Context, subject string, data interface{}) error
	Close() error
}

type Subscriber interface {
	Subscribe(subject string, handler func(msg *Message)) error
	QueueSubscribe(subject, queue string, handler func(msg *Message)) error
	Close() error
}

type EventBus interface {
	Publisher
	Subscriber
}

type Message struct {
	Subject   string
	Data      []byte
	Timestamp time.Time
}

type NATSEventBus struct {
	conn *nats.Conn
}

// NewNATSEventBus connects to the audit feed broker. The connection retries
// in the background and buffers publishes while disconnected, so the scan
// path keeps working through the same partitions the offline queue covers.
func NewNATSEventBus(url string) (*NATSEventBus, error) {
	conn, err := nats.Connect(url,
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return &NATSEventBus{conn: conn}, nil
}

func (n *NATSEventBus) Publish(ctx context.Context, subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal event data: %w", err)
	}

	logger.DebugContext(ctx, "Publishing event", "subject", subject, "data", string(payload))

	return n.conn.Publish(subject, payload)
}

func (n *NATSEventBus) Subscribe(subject string, handler func(msg *Message)) error {
	_, err := n.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(&Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
		})
	})
	return err
}

func (n *NATSEventBus) QueueSubscribe(subject, queue string, handler func(msg *Message)) error {
	_, err := n.conn.QueueSubscribe(subject, queue, func(msg *nats.Msg) {
		handler(&Message{
			Subject:   msg.Subject,
			Data:      msg.Data,
			Timestamp: time.Now(),
		})
	})
	return err
}

func (n *NATSEventBus) Close() error {
	n.conn.Close()
	return nil
}

// NoopBus drops every event. Used in dev mode and tests.
type NoopBus struct{}

func (NoopBus) Publish(ctx context.Context, subject string, data interface{}) error { return nil }
func (NoopBus) Subscribe(subject string, handler func(msg *Message)) error          { return nil }
func (NoopBus) QueueSubscribe(subject, queue string, handler func(msg *Message)) error {
	return nil
}
func (NoopBus) Close() error { return nil }

// Audit feed subjects. Every scan attempt is published once when recorded
// and once per terminal sync status transition.
const (
	ScanAttempted   = "scan.attempted"
	ScanAccepted    = "scan.accepted"
	ScanProvisional = "scan.provisional"
	ScanRejected    = "scan.rejected"
	ScanSynced      = "scan.synced"
	ScanConflicted  = "scan.conflicted"
	ScanResolved    = "scan.resolved"
	TicketVerified  = "ticket.verified"
)

type ScanAttemptEvent struct {
	AttemptID  string    `json:"attempt_id"`
	TicketID   *int64    `json:"ticket_id,omitempty"`
	CodeType   string    `json:"code_type"`
	DeviceID   string    `json:"device_id"`
	OperatorID string    `json:"operator_id"`
	Decision   string    `json:"decision"`
	Outcome    string    `json:"outcome"`
	SyncStatus string    `json:"sync_status"`
	ScannedAt  time.Time `json:"scanned_at"`
}

type TicketVerifiedEvent struct {
	TicketID   int64     `json:"ticket_id"`
	EventID    int64     `json:"event_id"`
	AttemptID  string    `json:"attempt_id"`
	DeviceID   string    `json:"device_id"`
	OperatorID string    `json:"operator_id"`
	VerifiedAt time.Time `json:"verified_at"`
}

type ScanConflictEvent struct {
	AttemptID        string     `json:"attempt_id"`
	TicketID         *int64     `json:"ticket_id,omitempty"`
	DeviceID         string     `json:"device_id"`
	OperatorID       string     `json:"operator_id"`
	ScannedAt        time.Time  `json:"scanned_at"`
	WinnerDeviceID   string     `json:"winner_device_id,omitempty"`
	WinnerOperatorID string     `json:"winner_operator_id,omitempty"`
	WinnerVerifiedAt *time.Time `json:"winner_verified_at,omitempty"`
	Reason           string     `json:"reason"`
}
