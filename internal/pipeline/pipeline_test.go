package pipeline

import (
	"context"
	"errors"
	"math/big"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/approval"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/chain/chaintest"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/executor"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/params"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/pending"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/pin"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/preview"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/token"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/wallet"
)

var (
	ustcToken      = common.HexToAddress("0xA4224f910102490Dc02AAbcBc6cb3c59Ff390055")
	preregisterCtr = common.HexToAddress("0x6eE9579849F66cFfe04a843Ab23bF9CcbD4E5a1f")
)

type fixture struct {
	fake     *chaintest.Fake
	pipeline *Pipeline
	wallet   common.Address
	history  *pending.History
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	fake := &chaintest.Fake{}
	fake.SetMetadata(ustcToken, "USTC-cb", 6)

	dir := t.TempDir()
	wallets := wallet.NewLightManager(filepath.Join(dir, "keys"))
	addr, err := wallets.Create(1, "1234")
	if err != nil {
		t.Fatal(err)
	}

	history, err := pending.OpenHistory(filepath.Join(dir, "history.db"), filepath.Join(dir, "history.lock"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = history.Close() })

	resolver := token.NewResolver(fake, nil, "BNB")
	exec := executor.New(fake, 300*time.Millisecond, 10*time.Millisecond, 250_000, big.NewInt(5_000_000_000))
	processor := params.NewProcessor(resolver, params.NewOracle(fake, resolver))
	store := pending.NewStore(time.Hour, history)
	gate := pin.NewGate(wallets, pin.NewCache(30*time.Minute))

	p := New(fake, resolver, processor, preview.NewBuilder(resolver),
		approval.New(fake, exec), exec, store, history, wallets, gate, time.Hour)
	return &fixture{fake: fake, pipeline: p, wallet: addr, history: history}
}

func confirmAllSends(f *fixture) {
	f.fake.OnSend = func(tx *types.Transaction) {
		f.fake.SetReceipt(tx.Hash(), &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()})
	}
}

func TestDepositEndToEnd(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBalance(ustcToken, f.wallet, big.NewInt(10_000_000))
	confirmAllSends(f)

	tx, view, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "2.5",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if tx.State != pending.StateAwaitingApproval {
		t.Fatalf("state = %s, want awaiting approval", tx.State)
	}
	if !strings.Contains(view.Render(), "Deposit 2.5 USTC-cb") {
		t.Fatalf("preview = %q", view.Render())
	}

	done, err := f.pipeline.Confirm(context.Background(), 1, "1234")
	if err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if done.State != pending.StateConfirmed {
		t.Fatalf("state = %s, want confirmed", done.State)
	}

	// Approval first, then the deposit, strictly sequential.
	if len(f.fake.SentTxs) != 2 {
		t.Fatalf("sent %d transactions, want 2", len(f.fake.SentTxs))
	}
	if to := f.fake.SentTxs[0].To(); to == nil || *to != ustcToken {
		t.Fatal("first transaction must be the token approval")
	}
	if to := f.fake.SentTxs[1].To(); to == nil || *to != preregisterCtr {
		t.Fatal("second transaction must be the deposit call")
	}

	entries, err := f.pipeline.History(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].State != pending.StateConfirmed {
		t.Fatalf("history = %+v", entries)
	}
}

func TestMainCallFailureKeepsApproval(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBalance(ustcToken, f.wallet, big.NewInt(10_000_000))
	// The approval lands; the deposit broadcast is then rejected.
	f.fake.OnSend = func(tx *types.Transaction) {
		f.fake.SetReceipt(tx.Hash(), &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.Hash()})
		f.fake.SetAllowance(ustcToken, f.wallet, preregisterCtr, big.NewInt(2_500_000))
		f.fake.SendErr = errors.New("nonce too low")
	}

	if _, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "2.5",
	}); err != nil {
		t.Fatalf("Prepare: %v", err)
	}

	_, err := f.pipeline.Confirm(context.Background(), 1, "1234")
	if brokererr.KindOf(err) != brokererr.KindNodeRejected {
		t.Fatalf("err = %v, want node rejection, not an approval failure", err)
	}
	entries, err := f.pipeline.History(1, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].State != pending.StateFailed {
		t.Fatalf("history = %+v, want one failed entry", entries)
	}
	if len(f.fake.SentTxs) != 1 {
		t.Fatalf("sent %d transactions, want only the approval", len(f.fake.SentTxs))
	}
	// The granted allowance stays in place for a retry.
	left, err := f.fake.Allowance(context.Background(), ustcToken, f.wallet, preregisterCtr)
	if err != nil {
		t.Fatal(err)
	}
	if left.Cmp(big.NewInt(2_500_000)) != 0 {
		t.Fatalf("allowance = %s, want 2500000", left)
	}
}

func TestPrepareSkipsApprovalWhenAllowanceCovers(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBalance(ustcToken, f.wallet, big.NewInt(10_000_000))
	f.fake.SetAllowance(ustcToken, f.wallet, preregisterCtr, big.NewInt(10_000_000))
	confirmAllSends(f)

	tx, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "2.5",
	})
	if err != nil {
		t.Fatalf("Prepare: %v", err)
	}
	if tx.State != pending.StateAwaitingConfirmation {
		t.Fatalf("state = %s, want awaiting confirmation", tx.State)
	}

	if _, err := f.pipeline.Confirm(context.Background(), 1, "1234"); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	if len(f.fake.SentTxs) != 1 {
		t.Fatalf("sent %d transactions, want only the deposit", len(f.fake.SentTxs))
	}
}

func TestPrepareInsufficientBalance(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBalance(ustcToken, f.wallet, big.NewInt(1))

	_, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "2.5",
	})
	if brokererr.KindOf(err) != brokererr.KindInsufficientBalance {
		t.Fatalf("err = %v, want insufficient balance", err)
	}
	// The failed preparation leaves no pending transaction behind.
	if _, err := f.pipeline.Status(context.Background(), 1); err == nil {
		t.Fatal("no transaction should be pending after a failed prepare")
	}
}

func TestConfirmWithoutPinLeavesTransactionConfirmable(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBalance(ustcToken, f.wallet, big.NewInt(10_000_000))
	confirmAllSends(f)

	if _, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "2.5",
	}); err != nil {
		t.Fatal(err)
	}

	_, err := f.pipeline.Confirm(context.Background(), 1, "")
	if brokererr.KindOf(err) != brokererr.KindPinRequired {
		t.Fatalf("err = %v, want PIN required", err)
	}
	_, err = f.pipeline.Confirm(context.Background(), 1, "9999")
	if brokererr.KindOf(err) != brokererr.KindPinIncorrect {
		t.Fatalf("err = %v, want PIN incorrect", err)
	}

	// The transaction survives both failures and still confirms.
	done, err := f.pipeline.Confirm(context.Background(), 1, "1234")
	if err != nil {
		t.Fatalf("Confirm with correct PIN: %v", err)
	}
	if done.State != pending.StateConfirmed {
		t.Fatalf("state = %s", done.State)
	}
}

func TestConfirmTimeoutStaysSubmittedThenSettles(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBalance(ustcToken, f.wallet, big.NewInt(10_000_000))
	f.fake.SetAllowance(ustcToken, f.wallet, preregisterCtr, big.NewInt(10_000_000))
	// No receipts: the broadcast succeeds but confirmation never comes.

	if _, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "2.5",
	}); err != nil {
		t.Fatal(err)
	}

	tx, err := f.pipeline.Confirm(context.Background(), 1, "1234")
	if brokererr.KindOf(err) != brokererr.KindTimeoutIndeterminate {
		t.Fatalf("err = %v, want indeterminate timeout", err)
	}
	if tx.State != pending.StateSubmitted {
		t.Fatalf("state = %s, want submitted", tx.State)
	}
	if tx.TxHash == (common.Hash{}) {
		t.Fatal("hash must be recorded on timeout")
	}

	// The receipt eventually appears; Status settles the transaction.
	f.fake.SetReceipt(tx.TxHash, &types.Receipt{Status: types.ReceiptStatusSuccessful, TxHash: tx.TxHash})
	settled, err := f.pipeline.Status(context.Background(), 1)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if settled.State != pending.StateConfirmed {
		t.Fatalf("state = %s, want confirmed", settled.State)
	}
}

func TestNewPrepareReplacesDraft(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBalance(ustcToken, f.wallet, big.NewInt(10_000_000))

	first, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "2.5",
	})
	if err != nil {
		t.Fatal(err)
	}
	// A fresh draft displaces the one still awaiting confirmation.
	second, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "1",
	})
	if err != nil {
		t.Fatalf("second prepare: %v", err)
	}
	if first.State != pending.StateCancelled {
		t.Fatalf("first draft state = %s, want cancelled", first.State)
	}
	active, err := f.pipeline.Status(context.Background(), 1)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if active.ID != second.ID {
		t.Fatalf("active = %s, want the newer draft", active.ID)
	}
}

func TestCancelFreesTheSlot(t *testing.T) {
	f := newFixture(t)
	f.fake.SetBalance(ustcToken, f.wallet, big.NewInt(10_000_000))

	if _, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "2.5",
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := f.pipeline.Cancel(1); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if _, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"amount": "1",
	}); err != nil {
		t.Fatalf("prepare after cancel: %v", err)
	}
}

func TestPrepareRejectsDivergentToken(t *testing.T) {
	f := newFixture(t)
	_, _, err := f.pipeline.Prepare(context.Background(), 1, "ustc_preregister", "deposit", map[string]any{
		"token_address": "0x1111111111111111111111111111111111111111",
		"amount":        "1",
	})
	if brokererr.KindOf(err) != brokererr.KindParameterValidation {
		t.Fatalf("err = %v, want parameter validation", err)
	}
}

func TestViewGetUserDeposit(t *testing.T) {
	f := newFixture(t)
	f.fake.SetViewResult(preregisterCtr, "getUserDeposit", big.NewInt(777))

	results, err := f.pipeline.View(context.Background(), 1, "ustc_preregister", "getUserDeposit", map[string]any{})
	if err != nil {
		t.Fatalf("View: %v", err)
	}
	if len(results) != 1 || results[0].(*big.Int).String() != "777" {
		t.Fatalf("results = %v", results)
	}
}
