package core

import (
	"reflect"
	"testing"
)

func TestState_ReadPrecedence(t *testing.T) {
	s := NewState(map[string]any{"k": "committed"})

	if v, ok := s.Get("k"); !ok || v != "committed" {
		t.Fatalf("expected committed value, got %v (ok=%v)", v, ok)
	}

	s.Set("k", "pending")
	if v, _ := s.Get("k"); v != "pending" {
		t.Fatalf("pending delta must win on read, got %v", v)
	}
	if !s.HasPendingChanges() {
		t.Error("expected pending changes after Set")
	}

	s.Commit()
	if s.HasPendingChanges() {
		t.Error("pending must clear after Commit")
	}
	if v, _ := s.Get("k"); v != "pending" {
		t.Fatalf("committed must hold merged value after Commit, got %v", v)
	}
}

func TestState_SnapshotMergesPendingOverCommitted(t *testing.T) {
	s := NewState(map[string]any{"a": 1, "b": 2})
	s.Set("b", 20)
	s.Set("c", 3)

	snap := s.Snapshot()
	want := map[string]any{"a": 1, "b": 20, "c": 3}
	if !reflect.DeepEqual(snap, want) {
		t.Fatalf("snapshot mismatch: got %#v want %#v", snap, want)
	}

	// snapshot is a copy
	snap["a"] = 99
	if v, _ := s.Get("a"); v != 1 {
		t.Error("snapshot mutation leaked into state")
	}
}

func TestState_ContainsAndDefaults(t *testing.T) {
	s := NewState(nil)
	if s.Contains("missing") {
		t.Error("empty state should contain nothing")
	}
	if _, ok := s.Get("missing"); ok {
		t.Error("expected absence for unknown key")
	}
	s.Set("x", nil)
	if !s.Contains("x") {
		t.Error("a pending nil value still counts as present")
	}
}

func TestSplitByScope(t *testing.T) {
	delta := map[string]any{
		"app:a":  1,
		"user:u": 2,
		"temp:t": 3,
		"s":      4,
	}

	got := SplitByScope(delta)

	if !reflect.DeepEqual(got.App, map[string]any{"a": 1}) {
		t.Errorf("app bucket mismatch: %#v", got.App)
	}
	if !reflect.DeepEqual(got.User, map[string]any{"u": 2}) {
		t.Errorf("user bucket mismatch: %#v", got.User)
	}
	if !reflect.DeepEqual(got.Session, map[string]any{"s": 4}) {
		t.Errorf("session bucket mismatch: %#v", got.Session)
	}
	for name, bucket := range map[string]map[string]any{"app": got.App, "user": got.User, "session": got.Session} {
		if _, ok := bucket["t"]; ok {
			t.Errorf("temp key leaked into %s bucket", name)
		}
		if _, ok := bucket["temp:t"]; ok {
			t.Errorf("prefixed temp key leaked into %s bucket", name)
		}
	}
}

func TestSplitByScope_EmptyAndBareKeys(t *testing.T) {
	got := SplitByScope(nil)
	if len(got.App)+len(got.User)+len(got.Session) != 0 {
		t.Fatalf("nil delta must split into empty buckets: %#v", got)
	}

	// A key that merely mentions a prefix mid-string stays session-scoped.
	got = SplitByScope(map[string]any{"not-app:key": 1})
	if _, ok := got.Session["not-app:key"]; !ok {
		t.Fatalf("mid-string prefix must not reroute: %#v", got)
	}
}
