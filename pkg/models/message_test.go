package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestMessageOrdering(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	a := Message{ID: "a", CreatedAt: base}
	b := Message{ID: "b", CreatedAt: base.Add(time.Second)}
	if !a.Before(&b) || b.Before(&a) {
		t.Fatalf("created_at order wrong")
	}
	// identical timestamps fall back to id so the order is total
	c := Message{ID: "c", CreatedAt: base}
	if !a.Before(&c) || c.Before(&a) {
		t.Fatalf("id tiebreak wrong")
	}
}

func TestMessageMatches(t *testing.T) {
	provisional := Message{ID: "local-1", CorrelationID: "corr-1", Provisional: true}
	confirmed := Message{ID: "srv-9", CorrelationID: "corr-1"}
	unrelated := Message{ID: "srv-8", CorrelationID: "corr-2"}

	if !provisional.Matches(&confirmed) {
		t.Fatalf("correlation match failed")
	}
	if provisional.Matches(&unrelated) {
		t.Fatalf("distinct correlations matched")
	}
	if !confirmed.Matches(&Message{ID: "srv-9"}) {
		t.Fatalf("identity match failed")
	}
	empty := Message{}
	if empty.Matches(&Message{}) {
		t.Fatalf("two empty messages matched")
	}
}

func TestConversationDisplayName(t *testing.T) {
	profs := map[string]Profile{
		"alice": {ID: "alice", DisplayName: "Alice P."},
	}
	lookup := func(id string) (Profile, bool) {
		p, ok := profs[id]
		return p, ok
	}

	direct := Conversation{
		ID:   "c1",
		Kind: KindDirect,
		Participants: []Participant{
			{UserID: "me"}, {UserID: "alice"},
		},
	}
	if got := direct.DisplayName("me", lookup); got != "Alice P." {
		t.Fatalf("direct name: %q", got)
	}

	// counterpart without a profile falls back to the raw id
	direct.Participants[1].UserID = "bob"
	if got := direct.DisplayName("me", lookup); got != "bob" {
		t.Fatalf("fallback name: %q", got)
	}

	group := Conversation{ID: "c2", Kind: KindGroup, Name: "Leaders"}
	if got := group.DisplayName("me", lookup); got != "Leaders" {
		t.Fatalf("group name: %q", got)
	}

	if got := direct.Counterpart("me"); got != "bob" {
		t.Fatalf("counterpart: %q", got)
	}
	if got := group.Counterpart("me"); got != "" {
		t.Fatalf("group counterpart: %q", got)
	}
}

func TestDecodeRowsSkipsMalformed(t *testing.T) {
	rows := []json.RawMessage{
		json.RawMessage(`{"id":"m1","conversation_id":"c1"}`),
		json.RawMessage(`{not json`),
		json.RawMessage(`{"id":"m2","conversation_id":"c1"}`),
	}
	got := DecodeRows[Message](rows)
	if len(got) != 2 || got[0].ID != "m1" || got[1].ID != "m2" {
		t.Fatalf("decoded: %+v", got)
	}
}
