// ABOUTME: Tests for receipt upsert semantics and event-side receipt queries
// ABOUTME: Verifies at most one live receipt per (room, type, user)

package statestore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/2389/coven-matrix-store/internal/dbutil"
)

func receipt(userID id.UserID, eventID id.EventID, ts int) *Receipt {
	return &Receipt{
		RoomID:      testRoom,
		ReceiptType: event.ReceiptTypeRead,
		UserID:      userID,
		EventID:     eventID,
		Receipt:     json.RawMessage(fmt.Sprintf(`{"ts":%d}`, ts)),
	}
}

func TestReceiptSupersedes(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// A sequence of receipts for the same (room, type, user): only the most
	// recent remains retrievable.
	for i, eventID := range []id.EventID{"$e1", "$e2", "$e3"} {
		if err := store.SetReceipt(ctx, receipt("@a:x", eventID, i)); err != nil {
			t.Fatalf("SetReceipt failed: %v", err)
		}
	}

	got, err := store.GetUserReceipt(ctx, testRoom, event.ReceiptTypeRead, "@a:x")
	if err != nil {
		t.Fatalf("GetUserReceipt failed: %v", err)
	}
	if got.EventID != "$e3" {
		t.Errorf("expected latest receipt, got event %q", got.EventID)
	}
	if string(got.Receipt) != `{"ts":2}` {
		t.Errorf("expected latest receipt content, got %s", got.Receipt)
	}

	// No prior receipt remains for the superseded events.
	for _, eventID := range []id.EventID{"$e1", "$e2"} {
		stale, err := store.GetEventReceipts(ctx, testRoom, event.ReceiptTypeRead, eventID)
		if err != nil {
			t.Fatalf("GetEventReceipts failed: %v", err)
		}
		if len(stale) != 0 {
			t.Errorf("expected no receipts left on %s, got %d", eventID, len(stale))
		}
	}
}

func TestReceiptTypesAreIndependent(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	public := receipt("@a:x", "$e1", 1)
	private := receipt("@a:x", "$e2", 2)
	private.ReceiptType = event.ReceiptTypeReadPrivate

	if err := store.SetReceipt(ctx, public); err != nil {
		t.Fatalf("SetReceipt failed: %v", err)
	}
	if err := store.SetReceipt(ctx, private); err != nil {
		t.Fatalf("SetReceipt failed: %v", err)
	}

	gotPublic, err := store.GetUserReceipt(ctx, testRoom, event.ReceiptTypeRead, "@a:x")
	if err != nil {
		t.Fatalf("GetUserReceipt failed: %v", err)
	}
	if gotPublic.EventID != "$e1" {
		t.Errorf("public receipt clobbered: got %q", gotPublic.EventID)
	}

	gotPrivate, err := store.GetUserReceipt(ctx, testRoom, event.ReceiptTypeReadPrivate, "@a:x")
	if err != nil {
		t.Fatalf("GetUserReceipt failed: %v", err)
	}
	if gotPrivate.EventID != "$e2" {
		t.Errorf("private receipt mismatch: got %q", gotPrivate.EventID)
	}
}

func TestEventReceipts_MultipleUsers(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	// Many users may acknowledge the same event.
	for _, userID := range []id.UserID{"@a:x", "@b:x", "@c:x"} {
		if err := store.SetReceipt(ctx, receipt(userID, "$shared", 1)); err != nil {
			t.Fatalf("SetReceipt failed: %v", err)
		}
	}

	receipts, err := store.GetEventReceipts(ctx, testRoom, event.ReceiptTypeRead, "$shared")
	if err != nil {
		t.Fatalf("GetEventReceipts failed: %v", err)
	}
	if len(receipts) != 3 {
		t.Fatalf("expected 3 receipts, got %d", len(receipts))
	}
	if receipts[0].UserID != "@a:x" || receipts[2].UserID != "@c:x" {
		t.Errorf("unexpected receipt ordering: %v, %v", receipts[0].UserID, receipts[2].UserID)
	}
}

func TestGetUserReceipt_NotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.GetUserReceipt(context.Background(), testRoom, event.ReceiptTypeRead, "@nobody:x")
	if !errors.Is(err, dbutil.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
