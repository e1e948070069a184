package realtime

import (
	"time"

	"github.com/matheus3301/convo/internal/backend"
	"github.com/matheus3301/convo/internal/model"
	"github.com/matheus3301/convo/internal/status"
)

// Kind identifies an event variant.
type Kind string

const (
	KindMessage        Kind = "message"
	KindTyping         Kind = "typing"
	KindDeliveryStatus Kind = "delivery_status"
	KindReadReceipt    Kind = "read_receipt"
	KindConnection     Kind = "connection"
	KindError          Kind = "error"
)

// Event is one of MessageEvent, TypingEvent, DeliveryStatusEvent,
// ReadReceiptEvent, ConnectionEvent or ErrorEvent.
type Event interface {
	Kind() Kind
	// Key is the conversation the event belongs to, empty for global events.
	Key() string
}

// MessageEvent carries a message row seen on the live feed.
type MessageEvent struct {
	Op      backend.Op
	Message model.Message
}

// TypingEvent carries a typing indicator from another actor.
type TypingEvent struct {
	Indicator model.TypingIndicator
}

// DeliveryStatusEvent reports a delivery status change. ID or TempID (or
// both) identify the message. Message is set when the full row is known,
// e.g. after a queued message was persisted.
type DeliveryStatusEvent struct {
	ContactID   string
	ID          string
	TempID      string
	Status      status.Delivery
	DeliveredAt *time.Time
	ReadAt      *time.Time
	Message     *model.Message
	Error       string
}

// ReadReceiptEvent reports that a message was read.
type ReadReceiptEvent struct {
	ContactID string
	MessageID string
	ReadAt    time.Time
}

// ConnState is the state a ConnectionEvent reports.
type ConnState string

const (
	Subscribed   ConnState = "subscribed"
	Unsubscribed ConnState = "unsubscribed"
	Online       ConnState = "online"
	Offline      ConnState = "offline"
)

// ConnectionEvent reports subscription and connectivity changes.
type ConnectionEvent struct {
	ContactID string
	State     ConnState
}

// ErrorEvent reports a failure the client could not recover from itself.
type ErrorEvent struct {
	ContactID string
	Op        string
	Err       error
}

func (MessageEvent) Kind() Kind        { return KindMessage }
func (TypingEvent) Kind() Kind         { return KindTyping }
func (DeliveryStatusEvent) Kind() Kind { return KindDeliveryStatus }
func (ReadReceiptEvent) Kind() Kind    { return KindReadReceipt }
func (ConnectionEvent) Kind() Kind     { return KindConnection }
func (ErrorEvent) Kind() Kind          { return KindError }

func (e MessageEvent) Key() string        { return e.Message.ContactID }
func (e TypingEvent) Key() string         { return e.Indicator.ContactID }
func (e DeliveryStatusEvent) Key() string { return e.ContactID }
func (e ReadReceiptEvent) Key() string    { return e.ContactID }
func (e ConnectionEvent) Key() string     { return e.ContactID }
func (e ErrorEvent) Key() string          { return e.ContactID }

func (e ErrorEvent) Error() string {
	if e.ContactID == "" {
		return e.Op + ": " + e.Err.Error()
	}
	return e.Op + " " + e.ContactID + ": " + e.Err.Error()
}

func (e ErrorEvent) Unwrap() error { return e.Err }
