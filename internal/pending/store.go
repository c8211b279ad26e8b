package pending

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/logging"
)

// Store holds each user's active transaction in memory. Process restart
// drops drafts, which is safe: nothing has been signed yet. Submitted
// history survives in the archive.
type Store struct {
	mu      sync.Mutex
	active  map[int64]*Transaction
	expiry  time.Duration
	archive *History
	now     func() time.Time
}

func NewStore(expiry time.Duration, archive *History) *Store {
	return &Store{
		active:  map[int64]*Transaction{},
		expiry:  expiry,
		archive: archive,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put registers a new draft, discarding any existing transaction that
// has not reached signing. A transaction mid-signing or already
// broadcast cannot be displaced; its outcome must resolve first.
func (s *Store) Put(tx *Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.active[tx.UserID]; ok {
		s.settleExpiredLocked(existing)
		if !existing.State.Terminal() {
			if !existing.State.cancellable() {
				return brokererr.Newf(brokererr.KindParameterValidation,
					"a transaction is executing (%s), wait for it to resolve", existing.Describe())
			}
			_ = existing.transition(StateCancelled)
			s.archiveLocked(existing)
		}
	}
	s.active[tx.UserID] = tx
	return nil
}

// Active returns the user's live transaction, applying lazy expiry.
func (s *Store) Active(userID int64) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.active[userID]
	if !ok {
		return nil, brokererr.New(brokererr.KindExpiredTransaction, "no pending transaction")
	}
	s.settleExpiredLocked(tx)
	if tx.State == StateExpired {
		return nil, brokererr.New(brokererr.KindExpiredTransaction, "the pending transaction expired, prepare it again")
	}
	if tx.State.Terminal() {
		return nil, brokererr.New(brokererr.KindExpiredTransaction, "no pending transaction")
	}
	return tx, nil
}

// Transition moves the user's active transaction to a new state.
func (s *Store) Transition(userID int64, to State) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.active[userID]
	if !ok {
		return nil, brokererr.New(brokererr.KindExpiredTransaction, "no pending transaction")
	}
	s.settleExpiredLocked(tx)
	if tx.State == StateExpired {
		return nil, brokererr.New(brokererr.KindExpiredTransaction, "the pending transaction expired, prepare it again")
	}
	if err := tx.transition(to); err != nil {
		return nil, err
	}
	if to.Terminal() {
		s.archiveLocked(tx)
	}
	return tx, nil
}

// Cancel abandons the user's active transaction if signing has not
// started yet.
func (s *Store) Cancel(userID int64) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, ok := s.active[userID]
	if !ok {
		return nil, brokererr.New(brokererr.KindExpiredTransaction, "no pending transaction")
	}
	s.settleExpiredLocked(tx)
	if tx.State == StateExpired {
		return nil, brokererr.New(brokererr.KindExpiredTransaction, "the pending transaction already expired")
	}
	if !tx.State.cancellable() {
		return nil, brokererr.Newf(brokererr.KindParameterValidation, "cannot cancel a transaction in state %s", tx.State)
	}
	if err := tx.transition(StateCancelled); err != nil {
		return nil, err
	}
	s.archiveLocked(tx)
	return tx, nil
}

// SetHash records the broadcast hash on the user's active transaction.
func (s *Store) SetHash(userID int64, hash common.Hash) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.active[userID]; ok {
		tx.TxHash = hash
	}
}

// SetFailReason records why the active transaction failed.
func (s *Store) SetFailReason(userID int64, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.active[userID]; ok {
		tx.FailReason = reason
	}
}

// Sweep expires overdue drafts. Run it periodically; expiry is also
// applied lazily on access, so the sweeper only bounds memory.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	expired := 0
	for userID, tx := range s.active {
		s.settleExpiredLocked(tx)
		if tx.State.Terminal() {
			delete(s.active, userID)
			if tx.State == StateExpired {
				expired++
			}
		}
	}
	return expired
}

// StartSweeper runs Sweep on an interval until the context ends.
func (s *Store) StartSweeper(ctx context.Context, interval time.Duration) {
	go func() {
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				if n := s.Sweep(); n > 0 {
					logging.Debug("expired pending transactions", zap.Int("count", n))
				}
			}
		}
	}()
}

func (s *Store) settleExpiredLocked(tx *Transaction) {
	if tx.expired(s.now()) {
		_ = tx.transition(StateExpired)
		s.archiveLocked(tx)
	}
}

func (s *Store) archiveLocked(tx *Transaction) {
	if s.archive == nil {
		return
	}
	if err := s.archive.Record(tx); err != nil {
		logging.Warn("history archive write failed", zap.Error(err))
	}
}
