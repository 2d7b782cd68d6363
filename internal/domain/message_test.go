package domain

import (
	"testing"
	"time"
)

func TestTaskMessageClone(t *testing.T) {
	eta := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	orig := &TaskMessage{
		ID:       "t-1",
		TaskName: "emails.send",
		Payload:  []byte(`{"to":"a@b"}`),
		Queue:    "default",
		ETA:      &eta,
		Headers:  map[string]string{HeaderBatchID: "b-1"},
	}

	cp := orig.Clone()
	cp.Payload[0] = 'X'
	cp.Headers[HeaderBatchID] = "b-2"
	*cp.ETA = eta.Add(time.Hour)

	if orig.Payload[0] != '{' {
		t.Errorf("clone aliased payload: %q", orig.Payload)
	}
	if orig.Headers[HeaderBatchID] != "b-1" {
		t.Errorf("clone aliased headers: %v", orig.Headers)
	}
	if !orig.ETA.Equal(eta) {
		t.Errorf("clone aliased ETA: %v", orig.ETA)
	}

	var nilMsg *TaskMessage
	if nilMsg.Clone() != nil {
		t.Error("nil.Clone() should be nil")
	}
}

func TestTaskMessageIsExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	future := now.Add(time.Minute)

	tests := []struct {
		name    string
		expires *time.Time
		want    bool
	}{
		{"no expiry", nil, false},
		{"future expiry", &future, false},
		{"past expiry", &past, true},
		{"exactly now", &now, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &TaskMessage{Expires: tt.expires}
			if got := m.IsExpired(now); got != tt.want {
				t.Errorf("IsExpired = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTaskMessageHeader(t *testing.T) {
	m := &TaskMessage{Headers: map[string]string{HeaderSagaID: "s-1"}}
	if got := m.Header(HeaderSagaID); got != "s-1" {
		t.Errorf("Header = %q, want s-1", got)
	}
	if got := m.Header("missing"); got != "" {
		t.Errorf("Header(missing) = %q, want empty", got)
	}
	var nilMsg *TaskMessage
	if nilMsg.Header("any") != "" {
		t.Error("nil message Header should be empty")
	}
}

func TestTaskStateIsTerminal(t *testing.T) {
	tests := []struct {
		state TaskState
		want  bool
	}{
		{StatePending, false},
		{StateStarted, false},
		{StateRetry, false},
		{StateRequeued, false},
		{StateSuccess, true},
		{StateFailure, true},
		{StateRevoked, true},
		{StateRejected, true},
	}
	for _, tt := range tests {
		t.Run(string(tt.state), func(t *testing.T) {
			if got := tt.state.IsTerminal(); got != tt.want {
				t.Errorf("IsTerminal(%s) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}
