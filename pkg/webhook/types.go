package webhook

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the state of one delivery attempt sequence.
type DeliveryStatus string

const (
	StatusPending   DeliveryStatus = "pending"
	StatusRetrying  DeliveryStatus = "retrying"
	StatusDelivered DeliveryStatus = "delivered"
	StatusFailed    DeliveryStatus = "failed"
)

// Terminal reports whether no further attempts will be made.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// DefaultMaxBackoff caps retry waits for policies without their own MaxBackoff.
const DefaultMaxBackoff = time.Hour

// AnyEvent subscribes to every event type.
const AnyEvent = "*"

// RetryPolicy controls how failed attempts are retried.
type RetryPolicy struct {
	MaxRetries  int           `json:"maxRetries"`
	BaseBackoff time.Duration `json:"baseBackoff"`
	Exponential bool          `json:"exponential"`
	// MaxBackoff caps every wait; zero means DefaultMaxBackoff.
	MaxBackoff time.Duration `json:"maxBackoff,omitempty"`
}

// DefaultRetryPolicy retries three times with exponential backoff from 30s.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxRetries: 3, BaseBackoff: 30 * time.Second, Exponential: true}
}

// Ceiling is the longest wait Backoff returns.
func (p RetryPolicy) Ceiling() time.Duration {
	if p.MaxBackoff > 0 {
		return p.MaxBackoff
	}
	return DefaultMaxBackoff
}

// Backoff returns the wait before the retry that follows attempt n (1-based),
// never more than Ceiling.
func (p RetryPolicy) Backoff(attempt int) time.Duration {
	if p.BaseBackoff <= 0 {
		return 0
	}
	ceiling := p.Ceiling()
	wait := p.BaseBackoff
	if p.Exponential {
		for i := 1; i < attempt && wait < ceiling; i++ {
			wait *= 2
		}
	}
	if wait > ceiling {
		return ceiling
	}
	return wait
}

// MaxAttempts is the total number of HTTP calls a delivery may make.
func (p RetryPolicy) MaxAttempts() int {
	if p.MaxRetries < 0 {
		return 1
	}
	return p.MaxRetries + 1
}

// Subscription registers a URL for a class of domain events.
type Subscription struct {
	ID        string            `json:"id"`
	EventType string            `json:"eventType"`
	URL       string            `json:"url"`
	Secret    string            `json:"secret,omitempty"`
	Filter    map[string]string `json:"filter,omitempty"`
	Retry     RetryPolicy       `json:"retry"`
	Active    bool              `json:"active"`
	CreatedAt time.Time         `json:"createdAt"`

	LastTriggeredAt *time.Time `json:"lastTriggeredAt,omitempty"`
	SuccessCount    int64      `json:"successCount"`
	FailureCount    int64      `json:"failureCount"`
}

// Matches reports whether the subscription wants an event of eventType with
// the given fields. Filter values are compared with the fields' string form.
func (s Subscription) Matches(eventType string, fields map[string]string) bool {
	if !s.Active {
		return false
	}
	if s.EventType != AnyEvent && s.EventType != eventType {
		return false
	}
	for key, want := range s.Filter {
		got, ok := fields[key]
		if !ok || got != want {
			return false
		}
	}
	return true
}

// Delivery is a single evolving record per attempt sequence.
type Delivery struct {
	ID             string          `json:"id"`
	SubscriptionID string          `json:"subscriptionId"`
	EventType      string          `json:"eventType"`
	Payload        json.RawMessage `json:"payload"`
	Status         DeliveryStatus  `json:"status"`
	Attempts       int             `json:"attempts"`
	LastStatusCode int             `json:"lastStatusCode,omitempty"`
	LastError      string          `json:"lastError,omitempty"`
	FirstAttemptAt time.Time       `json:"firstAttemptAt"`
	CompletedAt    *time.Time      `json:"completedAt,omitempty"`
	NextAttemptAt  *time.Time      `json:"nextAttemptAt,omitempty"`
}

// DeliveryQuery filters ListDeliveries. Zero values match everything.
type DeliveryQuery struct {
	SubscriptionID string
	EventType      string
	Status         DeliveryStatus
	Since          time.Time
	Offset         int
	Limit          int
}

// Envelope is the JSON body POSTed to subscribers.
type Envelope struct {
	ID          string          `json:"id"`
	EventType   string          `json:"eventType"`
	Payload     json.RawMessage `json:"payload"`
	DeliveredAt time.Time       `json:"deliveredAt"`
	Attempt     int             `json:"attempt"`
}

// Header names set on outgoing requests.
const (
	HeaderEvent     = "X-Webhook-Event"
	HeaderDelivery  = "X-Webhook-Delivery"
	HeaderAttempt   = "X-Webhook-Attempt"
	HeaderSignature = "X-Webhook-Signature"
)
