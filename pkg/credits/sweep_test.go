package credits

import (
	"context"
	"testing"
)

func TestSweepRefundsStalePendingReservations(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-sweep")
	store.seedBalance(test, accountID, 10)
	reservation := mustReserve(test, service, accountID, 4)

	// Entries are written at the fixed test clock (100); cutoff past that
	// makes the pending spend stale.
	swept, err := service.SweepOrphanedReservations(context.Background(), 200, 50)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if swept != 1 {
		test.Fatalf("expected 1 swept reservation, got %d", swept)
	}
	if got := currentCredits(test, store, accountID); got != 10 {
		test.Fatalf("expected restored balance 10, got %d", got)
	}
	entry := store.mustEntry(test, reservation.EntryID)
	if entry.Status != EntryStatusRefunded {
		test.Fatalf("expected refunded entry, got %s", entry.Status)
	}
	if entry.StatusNote != reasonReservationTimeout {
		test.Fatalf("expected timeout reason, got %q", entry.StatusNote)
	}
}

func TestSweepIgnoresFreshAndFinalizedEntries(test *testing.T) {
	test.Parallel()
	store := newStubStore(test)
	service := mustNewService(test, store)
	accountID := mustAccountID(test, "acct-sweep-2")
	store.seedBalance(test, accountID, 20)

	fresh := mustReserve(test, service, accountID, 3)
	confirmed := mustReserve(test, service, accountID, 5)
	if err := service.Confirm(context.Background(), confirmed, EntryReference{Type: "generation", ID: "gen-1"}); err != nil {
		test.Fatalf("confirm: %v", err)
	}

	// Cutoff before the entries' creation time: nothing is stale yet.
	swept, err := service.SweepOrphanedReservations(context.Background(), 50, 50)
	if err != nil {
		test.Fatalf("sweep: %v", err)
	}
	if swept != 0 {
		test.Fatalf("expected no swept reservations, got %d", swept)
	}
	if store.mustEntry(test, fresh.EntryID).Status != EntryStatusPending {
		test.Fatalf("fresh reservation must stay pending")
	}
	if store.mustEntry(test, confirmed.EntryID).Status != EntryStatusConfirmed {
		test.Fatalf("confirmed reservation must stay confirmed")
	}
}
