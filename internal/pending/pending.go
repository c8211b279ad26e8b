// Package pending tracks prepared transactions between preparation and
// the final outcome. Each user has at most one active transaction; a
// new preparation replaces nothing and fails until the active one
// reaches a terminal state, is cancelled, or expires.
package pending

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/appspec"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/params"
)

// State is a pending transaction's lifecycle stage. Transitions are
// forward-only; a terminal state is never left.
type State string

const (
	StateDraft                State = "draft"
	StateAwaitingApproval     State = "awaiting_approval"
	StateAwaitingConfirmation State = "awaiting_confirmation"
	StateSigning              State = "signing"
	StateSubmitted            State = "submitted"
	StateConfirmed            State = "confirmed"
	StateFailed               State = "failed"
	StateExpired              State = "expired"
	StateCancelled            State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateConfirmed, StateFailed, StateExpired, StateCancelled:
		return true
	default:
		return false
	}
}

// cancellable states precede signing; once signing starts the
// transaction can no longer be abandoned.
func (s State) cancellable() bool {
	switch s {
	case StateDraft, StateAwaitingApproval, StateAwaitingConfirmation:
		return true
	default:
		return false
	}
}

var transitions = map[State][]State{
	StateDraft:                {StateAwaitingApproval, StateAwaitingConfirmation, StateExpired, StateCancelled},
	StateAwaitingApproval:     {StateAwaitingConfirmation, StateSigning, StateExpired, StateCancelled},
	StateAwaitingConfirmation: {StateSigning, StateExpired, StateCancelled},
	StateSigning:              {StateSubmitted, StateFailed, StateAwaitingConfirmation},
	StateSubmitted:            {StateConfirmed, StateFailed},
}

func (s State) canTransition(to State) bool {
	for _, next := range transitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Transaction is one prepared, not yet finally resolved method call.
type Transaction struct {
	ID            string
	UserID        int64
	Wallet        common.Address
	App           string
	Method        string
	Processed     params.Processed
	Summary       string
	PreviewText   string
	NeedsApproval bool
	State         State
	TxHash        common.Hash
	FailReason    string
	CreatedAt     time.Time
	ExpiresAt     time.Time
	ResolvedAt    time.Time
}

// NewTransaction builds a draft for one user.
func NewTransaction(userID int64, wallet common.Address, app *appspec.App, m *appspec.MethodSpec, processed params.Processed, expiry time.Duration) *Transaction {
	now := time.Now().UTC()
	return &Transaction{
		ID:            uuid.NewString(),
		UserID:        userID,
		Wallet:        wallet,
		App:           app.Name,
		Method:        m.Name,
		Processed:     processed,
		NeedsApproval: m.RequiresApproval,
		State:         StateDraft,
		CreatedAt:     now,
		ExpiresAt:     now.Add(expiry),
	}
}

func (t *Transaction) expired(now time.Time) bool {
	return t.State.cancellable() && now.After(t.ExpiresAt)
}

func invalidTransition(from, to State) error {
	return brokererr.Newf(brokererr.KindInternal, "invalid transition %s -> %s", from, to)
}

func (t *Transaction) transition(to State) error {
	if !t.State.canTransition(to) {
		return invalidTransition(t.State, to)
	}
	t.State = to
	if to.Terminal() {
		t.ResolvedAt = time.Now().UTC()
	}
	return nil
}

// Describe is the short one-line status shown in listings.
func (t *Transaction) Describe() string {
	base := fmt.Sprintf("%s.%s [%s]", t.App, t.Method, t.State)
	if t.TxHash != (common.Hash{}) {
		base += " " + t.TxHash.Hex()
	}
	return base
}
