package core

import (
	"errors"
	"testing"
	"time"
)

func addEventAt(t *testing.T, s *Session, ev Event, ts time.Time) Event {
	t.Helper()
	ev.Timestamp = ts
	if err := s.AddEvent(ev); err != nil {
		t.Fatalf("append failed: %v", err)
	}
	return ev
}

func TestSession_AddEventOrderingAndSkew(t *testing.T) {
	s := NewSession("app", "u1", "s1", nil)
	base := time.Now().UTC()

	addEventAt(t, s, NewUserMessageEvent("inv-1", "hi"), base)
	addEventAt(t, s, NewMessageEvent("agent", "hello"), base.Add(time.Second))

	// within tolerance: insertion order is the tiebreak
	addEventAt(t, s, NewMessageEvent("agent", "tie"), base.Add(time.Second))
	if len(s.Events) != 3 || s.Events[2].Content.Text() != "tie" {
		t.Fatalf("insertion order not preserved: %#v", s.Events)
	}

	// beyond tolerance: rejected
	stale := NewMessageEvent("agent", "stale")
	stale.Timestamp = base.Add(-time.Minute)
	if err := s.AddEvent(stale); !errors.Is(err, ErrValidation) {
		t.Fatalf("expected ErrValidation for stale timestamp, got %v", err)
	}
	if len(s.Events) != 3 {
		t.Fatal("rejected event must not be appended")
	}
}

func TestSession_EventsForInvocationAndRange(t *testing.T) {
	s := NewSession("app", "u1", "s1", nil)
	base := time.Now().UTC()

	addEventAt(t, s, NewUserMessageEvent("inv-1", "a"), base)
	addEventAt(t, s, NewMessageEvent("agent", "b"), base.Add(time.Second))
	ev2 := NewUserMessageEvent("inv-2", "c")
	addEventAt(t, s, ev2, base.Add(2*time.Second))

	if got := s.EventsForInvocation("inv-1"); len(got) != 1 || got[0].InvocationID != "inv-1" {
		t.Fatalf("invocation filter mismatch: %#v", got)
	}

	got := s.EventsInRange(base, base.Add(time.Second))
	if len(got) != 2 {
		t.Fatalf("expected 2 events in inclusive range, got %d", len(got))
	}
	got = s.EventsInRange(base.Add(2*time.Second), base.Add(2*time.Second))
	if len(got) != 1 || got[0].ID != ev2.ID {
		t.Fatalf("single-point range mismatch: %#v", got)
	}
}

func TestSession_InvocationIDsSkipsCompactions(t *testing.T) {
	s := NewSession("app", "u1", "s1", nil)
	base := time.Now().UTC()

	addEventAt(t, s, NewUserMessageEvent("inv-1", "a"), base)
	addEventAt(t, s, NewMessageEvent("agent", "b"), base.Add(time.Second))
	s.Events[1].InvocationID = "inv-1"
	comp := NewCompactionEvent("compactor", base, base.Add(time.Second), nil)
	addEventAt(t, s, comp, base.Add(2*time.Second))
	addEventAt(t, s, NewUserMessageEvent("inv-2", "c"), base.Add(3*time.Second))

	ids := s.InvocationIDs()
	if len(ids) != 2 || ids[0] != "inv-1" || ids[1] != "inv-2" {
		t.Fatalf("unexpected invocation ids: %v", ids)
	}
}

func TestSession_ConversationHistoryBranchFiltering(t *testing.T) {
	s := NewSession("app", "u1", "s1", nil)
	base := time.Now().UTC()

	root := NewUserMessageEvent("inv-1", "root")
	addEventAt(t, s, root, base)

	child := NewMessageEvent("researcher", "child work")
	branch := "planner.researcher"
	child.Branch = &branch
	addEventAt(t, s, child, base.Add(time.Second))

	sibling := NewMessageEvent("critic", "sibling work")
	sibBranch := "planner.critic"
	sibling.Branch = &sibBranch
	addEventAt(t, s, sibling, base.Add(2*time.Second))

	partial := NewMessageEvent("researcher", "chunk")
	p := true
	partial.Partial = &p
	addEventAt(t, s, partial, base.Add(3*time.Second))

	// the researcher sees root events and its own, not its sibling's
	hist := s.ConversationHistory("planner.researcher")
	if len(hist) != 2 {
		t.Fatalf("expected 2 visible events, got %d", len(hist))
	}
	for _, ev := range hist {
		if ev.Branch != nil && *ev.Branch == sibBranch {
			t.Error("sibling branch event leaked into history")
		}
		if ev.IsPartial() {
			t.Error("partial fragment leaked into history")
		}
	}
}

func TestSession_ConversationHistoryCompactionSubstitution(t *testing.T) {
	s := NewSession("app", "u1", "s1", nil)
	base := time.Now().UTC()

	addEventAt(t, s, NewUserMessageEvent("inv-1", "old question"), base)
	addEventAt(t, s, NewMessageEvent("agent", "old answer"), base.Add(time.Second))
	fresh := addEventAt(t, s, NewUserMessageEvent("inv-2", "new question"), base.Add(time.Minute))

	summary := &Content{Role: "assistant", Parts: []Part{TextPart{Text: "earlier: q&a"}}}
	comp := NewCompactionEvent("compactor", base, base.Add(time.Second), summary)
	addEventAt(t, s, comp, base.Add(2*time.Minute))

	hist := s.ConversationHistory("")
	if len(hist) != 2 {
		t.Fatalf("expected summary + fresh event, got %d: %#v", len(hist), hist)
	}
	if !hist[0].IsCompaction() && !hist[1].IsCompaction() {
		t.Error("summary event missing from history")
	}
	found := false
	for _, ev := range hist {
		if ev.ID == fresh.ID {
			found = true
		}
		if ev.Content != nil && (ev.Content.Text() == "old question" || ev.Content.Text() == "old answer") {
			t.Error("covered original leaked into model-facing history")
		}
	}
	if !found {
		t.Error("uncovered event missing from history")
	}

	// raw log still holds the originals (audit trail)
	if len(s.Events) != 4 {
		t.Fatalf("compaction must not delete originals, log has %d events", len(s.Events))
	}
}

func TestSession_CloneIsolation(t *testing.T) {
	s := NewSession("app", "u1", "s1", map[string]any{"k": "v"})
	addEventAt(t, s, NewUserMessageEvent("inv-1", "hi"), time.Now().UTC())

	clone := s.Clone()
	clone.State.Set("k", "changed")
	clone.Events[0].Author = "tampered"

	if v, _ := s.State.Get("k"); v != "v" {
		t.Error("clone state mutation leaked into original")
	}
	if s.Events[0].Author != UserAuthor {
		t.Error("clone event mutation leaked into original")
	}
}

func TestSession_CloneDeepCopiesEventInternals(t *testing.T) {
	s := NewSession("app", "u1", "s1", nil)
	ev := NewUserMessageEvent("inv-1", "original")
	ev.Actions.StateDelta = map[string]any{"k": "v"}
	ev.Content.Parts = append(ev.Content.Parts, DataPart{Data: map[string]any{"n": 1}})
	ev.CustomMetadata = map[string]string{"tag": "a"}
	branch := "planner"
	ev.Branch = &branch
	addEventAt(t, s, ev, time.Now().UTC())

	clone := s.Clone()
	clone.Events[0].Actions.StateDelta["k"] = "tampered"
	clone.Events[0].Content.Parts[0] = TextPart{Text: "tampered"}
	clone.Events[0].Content.Parts[1].(DataPart).Data["n"] = 2
	clone.Events[0].CustomMetadata["tag"] = "b"
	*clone.Events[0].Branch = "tampered"

	orig := s.Events[0]
	if orig.Actions.StateDelta["k"] != "v" {
		t.Error("clone state delta mutation leaked into original")
	}
	if orig.Content.Text() != "original" {
		t.Error("clone content mutation leaked into original")
	}
	if orig.Content.Parts[1].(DataPart).Data["n"] != 1 {
		t.Error("clone data part mutation leaked into original")
	}
	if orig.CustomMetadata["tag"] != "a" {
		t.Error("clone metadata mutation leaked into original")
	}
	if *orig.Branch != "planner" {
		t.Error("clone branch mutation leaked into original")
	}
}

func TestValidateTriple(t *testing.T) {
	if err := ValidateTriple("app", "u1", "s1"); err != nil {
		t.Fatalf("plain triple rejected: %v", err)
	}
	if err := ValidateTriple("app", "u1", ""); err != nil {
		t.Fatalf("empty session id must be allowed for generation: %v", err)
	}
	bad := []struct{ app, user, session string }{
		{"", "u1", "s1"},
		{"app", "", "s1"},
		{"app", "u1", ".."},
		{"app", "u1", "."},
		{"app", "a/b", "s1"},
		{`a\b`, "u1", "s1"},
		{"app", "u1", "../../etc/x"},
	}
	for _, tc := range bad {
		if err := ValidateTriple(tc.app, tc.user, tc.session); !errors.Is(err, ErrValidation) {
			t.Errorf("ValidateTriple(%q, %q, %q): expected ErrValidation, got %v", tc.app, tc.user, tc.session, err)
		}
	}
}

func TestJoinBranchAndVisibility(t *testing.T) {
	if got := JoinBranch("", "planner"); got != "planner" {
		t.Errorf("JoinBranch root: %q", got)
	}
	if got := JoinBranch("planner", "researcher"); got != "planner.researcher" {
		t.Errorf("JoinBranch nested: %q", got)
	}

	cases := []struct {
		event, request string
		visible        bool
	}{
		{"", "planner.researcher", true},
		{"planner", "planner.researcher", true},
		{"planner.researcher", "planner.researcher", true},
		{"planner.critic", "planner.researcher", false},
		{"planner.researcher", "planner", false},
		{"plan", "planner", false}, // prefix of a segment is not an ancestor
	}
	for _, tc := range cases {
		if got := IsBranchVisible(tc.event, tc.request); got != tc.visible {
			t.Errorf("IsBranchVisible(%q, %q) = %v, want %v", tc.event, tc.request, got, tc.visible)
		}
	}
}
