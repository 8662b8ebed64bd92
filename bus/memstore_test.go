package bus

import (
	"context"
	"testing"

	"github.com/petal-labs/reactor/core"
)

func TestMemEventStore_Append_List(t *testing.T) {
	store := NewMemEventStore()

	for i := 1; i <= 5; i++ {
		e := core.NewEvent(core.SignedIn{UserID: "u1"}, "test")
		e.Seq = uint64(i)
		if err := store.Append(context.Background(), e); err != nil {
			t.Fatalf("Append(%d): %v", i, err)
		}
	}

	events, err := store.List(context.Background(), 0, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 5 {
		t.Errorf("got %d events, want 5", len(events))
	}
}

func TestMemEventStore_List_AfterSeqAndLimit(t *testing.T) {
	store := NewMemEventStore()

	for i := 1; i <= 10; i++ {
		e := core.NewEvent(core.SignedIn{UserID: "u1"}, "test")
		e.Seq = uint64(i)
		store.Append(context.Background(), e)
	}

	events, err := store.List(context.Background(), 7, 0)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(events) != 3 {
		t.Errorf("got %d events, want 3 (seq 8,9,10)", len(events))
	}
	if events[0].Seq != 8 {
		t.Errorf("first event Seq = %d, want 8", events[0].Seq)
	}

	events, _ = store.List(context.Background(), 0, 2)
	if len(events) != 2 {
		t.Errorf("got %d events with limit, want 2", len(events))
	}
}

func TestMemEventStore_LatestSeq(t *testing.T) {
	store := NewMemEventStore()

	seq, _ := store.LatestSeq(context.Background())
	if seq != 0 {
		t.Errorf("LatestSeq on empty store = %d, want 0", seq)
	}

	for _, s := range []uint64{3, 9, 4} {
		e := core.NewEvent(core.SignedIn{UserID: "u1"}, "test")
		e.Seq = s
		store.Append(context.Background(), e)
	}
	seq, _ = store.LatestSeq(context.Background())
	if seq != 9 {
		t.Errorf("LatestSeq = %d, want 9", seq)
	}
}
