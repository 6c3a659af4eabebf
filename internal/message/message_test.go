package message

import (
	"testing"
	"time"
)

func TestNewAssignsID(t *testing.T) {
	m := New("gateway", "search", "query", TypeRequest, nil)
	if m.Header.MessageID == "" {
		t.Error("expected non-empty message ID")
	}
	if m.Header.Priority != PriorityNormal {
		t.Errorf("expected normal priority default, got %q", m.Header.Priority)
	}
}

func TestCloneForKeepsOriginalTarget(t *testing.T) {
	m := New("gateway", "search", "query", TypeBroadcast, map[string]any{"q": "x"})
	clone := m.CloneFor("index")

	if clone.Header.Target != "index" {
		t.Errorf("expected clone target 'index', got %q", clone.Header.Target)
	}
	if m.Header.Target != "search" {
		t.Errorf("original target mutated to %q", m.Header.Target)
	}
	if clone.Header.MessageID != m.Header.MessageID {
		t.Error("clone should keep the message ID")
	}
}

func TestPriorityFactor(t *testing.T) {
	if f := PriorityCritical.Factor(); f != 0.8 {
		t.Errorf("critical factor = %v, want 0.8", f)
	}
	if f := PriorityBackground.Factor(); f != 1.5 {
		t.Errorf("background factor = %v, want 1.5", f)
	}
	if f := PriorityNormal.Factor(); f != 1.0 {
		t.Errorf("normal factor = %v, want 1.0", f)
	}
}

func TestExpired(t *testing.T) {
	m := New("a", "b", "op", TypeRequest, nil)
	if m.Expired(time.Now()) {
		t.Error("zero TTL should never expire")
	}

	m.Metadata.TTL = time.Millisecond
	if !m.Expired(m.SentAt.Add(time.Second)) {
		t.Error("expected message past its TTL to be expired")
	}
}
