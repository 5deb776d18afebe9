package store

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/HyphaGroup/lattice/internal/conversation"
)

func setupTestStore(t *testing.T) (*Store, func()) {
	t.Helper()
	s, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	return s, func() { _ = s.Close() }
}

func TestReplayRebuildsAggregator(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	u1 := conversation.TextMessage("u1", conversation.RoleUser, "hi")
	a1 := conversation.TextMessage("a1", conversation.RoleAssistant, "draft")
	a1.Metadata.StreamState = conversation.StreamAborted
	u2 := conversation.TextMessage("u2", conversation.RoleUser, "bye")

	for _, m := range []conversation.Message{u1, a1, u2} {
		if err := s.AppendMessage(ctx, "m1", m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}
	a1.Parts[0].Text = "final"
	a1.Metadata.StreamState = conversation.StreamEnded
	if err := s.AppendMessage(ctx, "m1", a1); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendDelete(ctx, "m1", "u2"); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, "m2", u2); err != nil {
		t.Fatal(err)
	}

	agg := conversation.NewAggregator("m1", nil)
	n, err := s.Replay(ctx, "m1", agg)
	if err != nil {
		t.Fatalf("Replay failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Replay applied %d records, want 5", n)
	}

	want := []conversation.Message{u1, a1}
	if diff := cmp.Diff(want, agg.Messages()); diff != "" {
		t.Errorf("replayed messages mismatch (-want +got):\n%s", diff)
	}

	// Replaying again onto the same aggregator is idempotent
	if _, err := s.Replay(ctx, "m1", agg); err != nil {
		t.Fatal(err)
	}
	if agg.Len() != 2 {
		t.Errorf("Len() after second replay = %d, want 2", agg.Len())
	}

	minions, err := s.Minions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"m1", "m2"}, minions); diff != "" {
		t.Errorf("minions mismatch (-want +got):\n%s", diff)
	}
}

func TestRecordsOrder(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	_ = s.AppendMessage(ctx, "m1", conversation.TextMessage("u1", conversation.RoleUser, "x"))
	_ = s.AppendDelete(ctx, "m1", "u1")

	records, err := s.Records(ctx, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("len(records) = %d, want 2", len(records))
	}
	if records[0].Op != OpPut || records[1].Op != OpDelete || records[1].Body != nil {
		t.Errorf("unexpected records: %+v", records)
	}
	if records[0].ID == records[1].ID || records[0].Seq >= records[1].Seq {
		t.Errorf("records should have distinct ids and increasing seq: %+v", records)
	}
}

func TestAppendRequiresMinion(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	err := s.AppendDelete(context.Background(), "", "u1")
	if !errors.Is(err, ErrEmptyMinionID) {
		t.Errorf("expected ErrEmptyMinionID, got %v", err)
	}
}

func TestScrollback(t *testing.T) {
	s, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	if err := s.AppendScrollback(ctx, "p1", []string{"a", "b"}); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendScrollback(ctx, "p1", []string{"c"}); err != nil {
		t.Fatal(err)
	}
	_ = s.AppendScrollback(ctx, "p2", []string{"other"})

	all, err := s.Scrollback(ctx, "p1", 0)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"a", "b", "c"}, all); diff != "" {
		t.Errorf("scrollback mismatch (-want +got):\n%s", diff)
	}

	tail, err := s.Scrollback(ctx, "p1", 2)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]string{"b", "c"}, tail); diff != "" {
		t.Errorf("tail mismatch (-want +got):\n%s", diff)
	}
}
