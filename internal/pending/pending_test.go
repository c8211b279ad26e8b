package pending

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/appspec"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/params"
)

func draft(t *testing.T, userID int64) *Transaction {
	t.Helper()
	app, ok := appspec.Lookup("ustc_preregister")
	if !ok {
		t.Fatal("app not registered")
	}
	m, ok := app.Method("deposit", appspec.DirectionWrite)
	if !ok {
		t.Fatal("method not found")
	}
	return NewTransaction(userID, common.HexToAddress("0x2222222222222222222222222222222222222222"), app, m, params.Processed{}, time.Hour)
}

func TestNewDraftDiscardsPrevious(t *testing.T) {
	store := NewStore(time.Hour, nil)
	first := draft(t, 1)
	if err := store.Put(first); err != nil {
		t.Fatalf("Put: %v", err)
	}
	second := draft(t, 1)
	if err := store.Put(second); err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if first.State != StateCancelled {
		t.Fatalf("displaced draft state = %s, want cancelled", first.State)
	}
	got, err := store.Active(1)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	if got.ID != second.ID {
		t.Fatalf("active = %s, want the newer draft", got.ID)
	}
	// A different user is unaffected.
	if err := store.Put(draft(t, 2)); err != nil {
		t.Fatalf("Put for other user: %v", err)
	}
}

func TestPutRejectedWhileExecuting(t *testing.T) {
	store := NewStore(time.Hour, nil)
	if err := store.Put(draft(t, 1)); err != nil {
		t.Fatal(err)
	}
	for _, to := range []State{StateAwaitingConfirmation, StateSigning} {
		if _, err := store.Transition(1, to); err != nil {
			t.Fatal(err)
		}
	}
	err := store.Put(draft(t, 1))
	if brokererr.KindOf(err) != brokererr.KindParameterValidation {
		t.Fatalf("Put while signing err = %v, want rejection", err)
	}
}

func TestLifecycleHappyPath(t *testing.T) {
	store := NewStore(time.Hour, nil)
	tx := draft(t, 1)
	if err := store.Put(tx); err != nil {
		t.Fatal(err)
	}

	for _, to := range []State{StateAwaitingConfirmation, StateSigning, StateSubmitted, StateConfirmed} {
		if _, err := store.Transition(1, to); err != nil {
			t.Fatalf("transition to %s: %v", to, err)
		}
	}
	if !tx.State.Terminal() {
		t.Fatalf("state = %s, want terminal", tx.State)
	}
	// Terminal state frees the slot.
	if err := store.Put(draft(t, 1)); err != nil {
		t.Fatalf("Put after terminal: %v", err)
	}
}

func TestBackwardTransitionRejected(t *testing.T) {
	store := NewStore(time.Hour, nil)
	if err := store.Put(draft(t, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(1, StateAwaitingConfirmation); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(1, StateDraft); err == nil {
		t.Fatal("transition back to draft must be rejected")
	}
}

func TestCancelOnlyBeforeSigning(t *testing.T) {
	store := NewStore(time.Hour, nil)
	if err := store.Put(draft(t, 1)); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(1, StateAwaitingConfirmation); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Transition(1, StateSigning); err != nil {
		t.Fatal(err)
	}
	if _, err := store.Cancel(1); err == nil {
		t.Fatal("cancel after signing must fail")
	}
}

func TestCancelFreesSlot(t *testing.T) {
	store := NewStore(time.Hour, nil)
	if err := store.Put(draft(t, 1)); err != nil {
		t.Fatal(err)
	}
	tx, err := store.Cancel(1)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if tx.State != StateCancelled {
		t.Fatalf("state = %s", tx.State)
	}
	if err := store.Put(draft(t, 1)); err != nil {
		t.Fatalf("Put after cancel: %v", err)
	}
}

func TestLazyExpiry(t *testing.T) {
	store := NewStore(time.Hour, nil)
	tx := draft(t, 1)
	tx.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Put(tx); err != nil {
		t.Fatal(err)
	}

	_, err := store.Active(1)
	if brokererr.KindOf(err) != brokererr.KindExpiredTransaction {
		t.Fatalf("Active err = %v, want expired", err)
	}
	// The expired draft no longer blocks a new one.
	if err := store.Put(draft(t, 1)); err != nil {
		t.Fatalf("Put after expiry: %v", err)
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	store := NewStore(time.Hour, nil)
	tx := draft(t, 1)
	tx.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Put(tx); err != nil {
		t.Fatal(err)
	}
	if n := store.Sweep(); n != 1 {
		t.Fatalf("Sweep = %d, want 1", n)
	}
}

func TestExpiryDoesNotTouchSubmitted(t *testing.T) {
	store := NewStore(time.Hour, nil)
	tx := draft(t, 1)
	tx.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	if err := store.Put(tx); err != nil {
		t.Fatal(err)
	}
	// Force past the cancellable window before the expiry is noticed.
	tx.State = StateSubmitted

	if _, err := store.Transition(1, StateConfirmed); err != nil {
		t.Fatalf("submitted transaction must still confirm: %v", err)
	}
}

func TestConcurrentPrepareLeavesOneActive(t *testing.T) {
	store := NewStore(time.Hour, nil)

	var wg sync.WaitGroup
	drafts := make([]*Transaction, 8)
	for i := range drafts {
		drafts[i] = draft(t, 1)
	}
	for i := range drafts {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if err := store.Put(drafts[i]); err != nil {
				t.Errorf("Put: %v", err)
			}
		}(i)
	}
	wg.Wait()

	active, err := store.Active(1)
	if err != nil {
		t.Fatalf("Active: %v", err)
	}
	live := 0
	for _, tx := range drafts {
		if !tx.State.Terminal() {
			live++
			if tx.ID != active.ID {
				t.Fatalf("non-terminal draft %s is not the active one", tx.ID)
			}
		}
	}
	if live != 1 {
		t.Fatalf("%d non-terminal drafts, want exactly 1", live)
	}
}

func TestHistoryRecordAndList(t *testing.T) {
	dir := t.TempDir()
	history, err := OpenHistory(filepath.Join(dir, "history.db"), filepath.Join(dir, "history.lock"))
	if err != nil {
		t.Fatalf("OpenHistory: %v", err)
	}
	defer history.Close()

	store := NewStore(time.Hour, history)
	tx := draft(t, 7)
	tx.Summary = "Deposit 2.5k USTC-cb"
	if err := store.Put(tx); err != nil {
		t.Fatal(err)
	}
	for _, to := range []State{StateAwaitingConfirmation, StateSigning, StateSubmitted} {
		if _, err := store.Transition(7, to); err != nil {
			t.Fatal(err)
		}
	}
	store.SetHash(7, common.HexToHash("0xdead"))
	if _, err := store.Transition(7, StateConfirmed); err != nil {
		t.Fatal(err)
	}

	entries, err := history.List(7, 10)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	e := entries[0]
	if e.State != StateConfirmed || e.Summary != "Deposit 2.5k USTC-cb" || e.TxHash == "" {
		t.Fatalf("entry = %+v", e)
	}

	// Another user sees nothing.
	other, err := history.List(8, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(other) != 0 {
		t.Fatalf("other user entries = %d, want 0", len(other))
	}
}
