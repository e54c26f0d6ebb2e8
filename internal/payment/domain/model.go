package domain

import (
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
)

const ProviderStripe = "stripe"

const (
	EventKindChargeSucceeded       = "charge_succeeded"
	EventKindSubscriptionActivated = "subscription_activated"
	EventKindUnhandled             = "unhandled"
)

// Outcomes recorded on the event log and the outcome record.
const (
	OutcomeApplied           = "applied"
	OutcomePartial           = "partial"
	OutcomeAccessUnmatched   = "access_unmatched"
	OutcomeAccessFailed      = "access_failed"
	OutcomeSubjectUnresolved = "subject_unresolved"
	OutcomeIgnored           = "ignored"
)

// Sources of unresolved payments.
const (
	SourceWebhook = "webhook"
	SourceConfirm = "confirm"
	SourceVerify  = "verify"
)

// SubjectHint holds the identifiers embedded in a processor event. The
// "unknown" placeholder never survives parsing: absent values are nil.
type SubjectHint struct {
	UserID     *string `json:"user_id,omitempty"`
	Email      *string `json:"email,omitempty"`
	CustomerID *string `json:"customer_id,omitempty"`
}

func (h SubjectHint) Empty() bool {
	return h.UserID == nil && h.Email == nil && h.CustomerID == nil
}

// Event is the tagged union of verified processor events.
type Event interface {
	Meta() EventMeta
	Kind() string
}

type EventMeta struct {
	ID      string
	Type    string
	Created time.Time
}

// Payable events carry a subject hint and grant the entitlement.
type Payable interface {
	Event
	SubjectHint() SubjectHint
}

type ChargeSucceeded struct {
	EventMeta
	PaymentID string
	Amount    int64
	Currency  string
	Hint      SubjectHint
}

func (e ChargeSucceeded) Meta() EventMeta          { return e.EventMeta }
func (e ChargeSucceeded) Kind() string             { return EventKindChargeSucceeded }
func (e ChargeSucceeded) SubjectHint() SubjectHint { return e.Hint }

type SubscriptionActivated struct {
	EventMeta
	ObjectID string
	Amount   int64
	Currency string
	Hint     SubjectHint
}

func (e SubscriptionActivated) Meta() EventMeta          { return e.EventMeta }
func (e SubscriptionActivated) Kind() string             { return EventKindSubscriptionActivated }
func (e SubscriptionActivated) SubjectHint() SubjectHint { return e.Hint }

// Unhandled is acknowledged and logged without side effects.
type Unhandled struct {
	EventMeta
}

func (e Unhandled) Meta() EventMeta { return e.EventMeta }
func (e Unhandled) Kind() string    { return EventKindUnhandled }

// EventRecord is one row of the delivery log. Replays bump Deliveries.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	SubjectID       *string        `json:"subject_id,omitempty"`
	Outcome         *string        `json:"outcome,omitempty"`
	Deliveries      int            `json:"deliveries" gorm:"not null"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	LastReceivedAt  time.Time      `json:"last_received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
}

func (EventRecord) TableName() string { return "payment_events" }

// UnresolvedPayment is money received that could not be attributed to a subject.
type UnresolvedPayment struct {
	ID                snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider          string         `json:"provider"`
	ProviderEventID   string         `json:"provider_event_id"`
	Source            string         `json:"source"`
	Reason            string         `json:"reason"`
	EventType         string         `json:"event_type"`
	Hint              datatypes.JSON `json:"hint"`
	Payload           datatypes.JSON `json:"payload,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	ResolvedAt        *time.Time     `json:"resolved_at,omitempty"`
	ResolvedSubjectID *string        `json:"resolved_subject_id,omitempty"`
	ResolvedBy        *string        `json:"resolved_by,omitempty"`
}

func (UnresolvedPayment) TableName() string { return "unresolved_payments" }
