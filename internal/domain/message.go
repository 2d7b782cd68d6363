package domain

import (
	"context"
	"time"
)

// Context is an alias to the standard context. Adapters and services pass
// context.Context through; the alias keeps domain signatures uniform.
type Context = context.Context

// ContentTypeJSON is the default serialization for task payloads and results.
const ContentTypeJSON = "application/json"

// Well-known message header keys.
const (
	HeaderBatchID       = "batch_id"
	HeaderSagaID        = "saga_id"
	HeaderSagaStepID    = "saga_step_id"
	HeaderSagaStepKind  = "saga_step_kind"
	HeaderRequestID     = "request_id"
	HeaderOrigin        = "origin"
	HeaderScheduledName = "scheduled_name"
)

// TaskMessage is the wire envelope for one unit of work. It is immutable
// once published; brokers and the delayed store hand the same envelope
// through to the worker.
type TaskMessage struct {
	ID            string            `json:"id"`
	TaskName      string            `json:"task_name"`
	Payload       []byte            `json:"payload,omitempty"`
	ContentType   string            `json:"content_type"`
	SentAt        time.Time         `json:"sent_at"`
	Queue         string            `json:"queue"`
	Priority      int               `json:"priority"`
	Retries       int               `json:"retries"`
	MaxRetries    int               `json:"max_retries"`
	ETA           *time.Time        `json:"eta,omitempty"`
	Expires       *time.Time        `json:"expires,omitempty"`
	ParentID      string            `json:"parent_id,omitempty"`
	RootID        string            `json:"root_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	TenantID      string            `json:"tenant_id,omitempty"`
	PartitionKey  string            `json:"partition_key,omitempty"`
	Headers       map[string]string `json:"headers,omitempty"`
}

// Header returns the named header or "" when absent.
func (m *TaskMessage) Header(key string) string {
	if m == nil || m.Headers == nil {
		return ""
	}
	return m.Headers[key]
}

// IsExpired reports whether the message carries an expiry that has passed.
func (m *TaskMessage) IsExpired(now time.Time) bool {
	return m.Expires != nil && now.After(*m.Expires)
}

// Clone returns a deep copy so stores can hand out envelopes without
// aliasing their internal state.
func (m *TaskMessage) Clone() *TaskMessage {
	if m == nil {
		return nil
	}
	cp := *m
	if m.Payload != nil {
		cp.Payload = append([]byte(nil), m.Payload...)
	}
	if m.Headers != nil {
		cp.Headers = make(map[string]string, len(m.Headers))
		for k, v := range m.Headers {
			cp.Headers[k] = v
		}
	}
	if m.ETA != nil {
		eta := *m.ETA
		cp.ETA = &eta
	}
	if m.Expires != nil {
		exp := *m.Expires
		cp.Expires = &exp
	}
	return &cp
}

// Delivery is a TaskMessage pulled from a queue together with the opaque
// broker tag needed to acknowledge it. A delivery must be acked or rejected
// exactly once.
type Delivery struct {
	Message *TaskMessage
	Tag     string
	Queue   string
}
