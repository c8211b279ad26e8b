// Package pipeline orchestrates the full life of a transaction: prepare
// raw parameters into a typed draft, show the preview, and on
// confirmation approve, sign, broadcast, and await it. All operations
// for one user are serialized; two commands can never interleave inside
// one user's pending transaction.
package pipeline

import (
	"context"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/approval"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/appspec"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/chain"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/executor"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/logging"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/params"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/pending"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/pin"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/preview"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/token"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/wallet"
)

// Pipeline wires the preparation and execution stages together.
type Pipeline struct {
	client    chain.Client
	resolver  *token.Resolver
	processor *params.Processor
	previews  *preview.Builder
	approvals *approval.Orchestrator
	exec      *executor.Executor
	store     *pending.Store
	history   *pending.History
	wallets   *wallet.Manager
	gate      *pin.Gate
	expiry    time.Duration

	mu    sync.Mutex
	users map[int64]*sync.Mutex
}

func New(client chain.Client, resolver *token.Resolver, processor *params.Processor, previews *preview.Builder, approvals *approval.Orchestrator, exec *executor.Executor, store *pending.Store, history *pending.History, wallets *wallet.Manager, gate *pin.Gate, expiry time.Duration) *Pipeline {
	return &Pipeline{
		client:    client,
		resolver:  resolver,
		processor: processor,
		previews:  previews,
		approvals: approvals,
		exec:      exec,
		store:     store,
		history:   history,
		wallets:   wallets,
		gate:      gate,
		expiry:    expiry,
		users:     map[int64]*sync.Mutex{},
	}
}

func (p *Pipeline) userLock(userID int64) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.users[userID]
	if !ok {
		lock = &sync.Mutex{}
		p.users[userID] = lock
	}
	return lock
}

func lookupMethod(appName, methodName string, direction appspec.Direction) (*appspec.App, *appspec.MethodSpec, error) {
	app, ok := appspec.Lookup(appName)
	if !ok {
		return nil, nil, brokererr.Newf(brokererr.KindParameterValidation, "unknown app %q", appName)
	}
	m, ok := app.Method(methodName, direction)
	if !ok {
		return nil, nil, brokererr.Newf(brokererr.KindParameterValidation, "app %s has no %s method %q", appName, direction, methodName)
	}
	return app, m, nil
}

// Prepare turns raw parameters into a pending transaction and returns
// its preview. Nothing is signed or sent. Any earlier draft still
// awaiting confirmation is discarded in favour of the new one.
func (p *Pipeline) Prepare(ctx context.Context, userID int64, appName, methodName string, raw map[string]any) (*pending.Transaction, preview.Preview, error) {
	lock := p.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	app, m, err := lookupMethod(appName, methodName, appspec.DirectionWrite)
	if err != nil {
		return nil, preview.Preview{}, err
	}
	walletAddr, err := p.wallets.Active(userID)
	if err != nil {
		return nil, preview.Preview{}, err
	}

	processed, err := p.processor.Process(ctx, app, m, raw, walletAddr)
	if err != nil {
		return nil, preview.Preview{}, err
	}

	to, data, err := p.packCall(app, m, processed)
	if err != nil {
		return nil, preview.Preview{}, err
	}

	reqs, err := p.requirements(ctx, app, m, processed, walletAddr)
	if err != nil {
		return nil, preview.Preview{}, err
	}
	needsApproval := false
	for _, req := range reqs {
		covered, err := p.approvals.Check(ctx, walletAddr, req)
		if err != nil {
			return nil, preview.Preview{}, err
		}
		if !covered {
			needsApproval = true
			break
		}
	}

	gas := p.exec.PlanGas(ctx, walletAddr, to, data, nil)
	view, err := p.previews.Build(ctx, app, m, processed, needsApproval, gas)
	if err != nil {
		return nil, preview.Preview{}, err
	}

	tx := pending.NewTransaction(userID, walletAddr, app, m, processed, p.expiry)
	tx.Summary = view.Summary
	tx.PreviewText = view.Render()
	tx.NeedsApproval = needsApproval
	if err := p.store.Put(tx); err != nil {
		return nil, preview.Preview{}, err
	}
	next := pending.StateAwaitingConfirmation
	if needsApproval {
		next = pending.StateAwaitingApproval
	}
	if _, err := p.store.Transition(userID, next); err != nil {
		return nil, preview.Preview{}, err
	}

	logging.Info("transaction prepared",
		logging.UserField(userID),
		zap.String("app", appName),
		zap.String("method", methodName),
		zap.Bool("needs_approval", needsApproval))
	return tx, view, nil
}

// Confirm executes the user's pending transaction. An empty pin uses
// the cached one when still valid.
func (p *Pipeline) Confirm(ctx context.Context, userID int64, pinCode string) (*pending.Transaction, error) {
	lock := p.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := p.store.Active(userID)
	if err != nil {
		return nil, err
	}
	if tx.State != pending.StateAwaitingConfirmation && tx.State != pending.StateAwaitingApproval {
		return nil, brokererr.Newf(brokererr.KindParameterValidation, "transaction is %s, not awaiting confirmation", tx.State)
	}

	key, err := p.gate.Key(userID, pinCode)
	if err != nil {
		// PIN problems leave the transaction confirmable.
		return nil, err
	}
	defer wallet.ZeroKey(key.PrivateKey)

	app, m, err := lookupMethod(tx.App, tx.Method, appspec.DirectionWrite)
	if err != nil {
		return nil, err
	}

	if _, err := p.store.Transition(userID, pending.StateSigning); err != nil {
		return nil, err
	}

	reqs, err := p.requirements(ctx, app, m, tx.Processed, tx.Wallet)
	if err != nil {
		return nil, p.settleFailure(userID, err)
	}
	if _, err := p.approvals.EnsureAll(ctx, key.PrivateKey, tx.Wallet, reqs); err != nil {
		return nil, p.settleFailure(userID, err)
	}

	to, data, err := p.packCall(app, m, tx.Processed)
	if err != nil {
		return nil, p.settleFailure(userID, err)
	}
	gas := p.exec.PlanGas(ctx, tx.Wallet, to, data, nil)
	receipt, hash, err := p.exec.Execute(ctx, key.PrivateKey, executor.Request{
		To:       to,
		Data:     data,
		GasLimit: gas.Limit,
		GasPrice: gas.Price,
	})

	if hash != (common.Hash{}) {
		p.store.SetHash(userID, hash)
		if _, terr := p.store.Transition(userID, pending.StateSubmitted); terr != nil {
			return nil, terr
		}
	}
	if err != nil {
		if brokererr.KindOf(err) == brokererr.KindTimeoutIndeterminate {
			// Broadcast succeeded; the outcome is unknown, never failed.
			logging.Warn("confirmation timed out", logging.UserField(userID), zap.String("hash", hash.Hex()))
			return tx, err
		}
		return nil, p.settleFailure(userID, err)
	}

	final := pending.StateConfirmed
	if receipt.Status != types.ReceiptStatusSuccessful {
		p.store.SetFailReason(userID, "transaction reverted on chain")
		final = pending.StateFailed
	}
	if _, err := p.store.Transition(userID, final); err != nil {
		return nil, err
	}
	logging.Info("transaction resolved",
		logging.UserField(userID),
		zap.String("hash", hash.Hex()),
		zap.String("state", string(final)))
	if final == pending.StateFailed {
		return tx, brokererr.Newf(brokererr.KindNodeRejected, "transaction %s reverted", hash.Hex())
	}
	return tx, nil
}

// settleFailure moves the active transaction to its failure resting
// state: retryable errors return it to awaiting confirmation, fatal
// ones finish it as failed.
func (p *Pipeline) settleFailure(userID int64, cause error) error {
	kind := brokererr.KindOf(cause)
	if kind.Retryable() {
		if _, err := p.store.Transition(userID, pending.StateAwaitingConfirmation); err != nil {
			logging.Warn("could not return transaction to confirmable state", zap.Error(err))
		}
		return cause
	}
	p.store.SetFailReason(userID, cause.Error())
	if _, err := p.store.Transition(userID, pending.StateFailed); err != nil {
		logging.Warn("could not fail transaction", zap.Error(err))
	}
	return cause
}

// Cancel abandons the user's pending transaction.
func (p *Pipeline) Cancel(userID int64) (*pending.Transaction, error) {
	lock := p.userLock(userID)
	lock.Lock()
	defer lock.Unlock()
	return p.store.Cancel(userID)
}

// Status returns the user's active transaction. For a submitted one it
// re-checks the receipt so a transaction that landed after a timeout is
// settled.
func (p *Pipeline) Status(ctx context.Context, userID int64) (*pending.Transaction, error) {
	lock := p.userLock(userID)
	lock.Lock()
	defer lock.Unlock()

	tx, err := p.store.Active(userID)
	if err != nil {
		return nil, err
	}
	if tx.State != pending.StateSubmitted || tx.TxHash == (common.Hash{}) {
		return tx, nil
	}

	receipt, rerr := p.client.Receipt(ctx, tx.TxHash)
	if rerr != nil {
		return tx, nil
	}
	final := pending.StateConfirmed
	if receipt.Status != types.ReceiptStatusSuccessful {
		p.store.SetFailReason(userID, "transaction reverted on chain")
		final = pending.StateFailed
	}
	if _, err := p.store.Transition(userID, final); err != nil {
		return tx, err
	}
	return tx, nil
}

// View executes a read-only method and returns its decoded outputs.
func (p *Pipeline) View(ctx context.Context, userID int64, appName, methodName string, raw map[string]any) ([]any, error) {
	app, m, err := lookupMethod(appName, methodName, appspec.DirectionView)
	if err != nil {
		return nil, err
	}
	walletAddr, err := p.wallets.Active(userID)
	if err != nil {
		return nil, err
	}
	processed, err := p.processor.Process(ctx, app, m, raw, walletAddr)
	if err != nil {
		return nil, err
	}
	contract, err := app.ContractFor(m)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "contract lookup", err)
	}
	args, err := processed.Args(m)
	if err != nil {
		return nil, err
	}
	results, err := p.client.CallView(ctx, common.HexToAddress(contract.Address), contract.ABI, m.Name, args...)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindUnavailable, "view call failed", err)
	}
	return results, nil
}

// History lists the user's resolved transactions, newest first.
func (p *Pipeline) History(userID int64, limit int) ([]pending.Entry, error) {
	if p.history == nil {
		return nil, nil
	}
	return p.history.List(userID, limit)
}

func (p *Pipeline) packCall(app *appspec.App, m *appspec.MethodSpec, processed params.Processed) (common.Address, []byte, error) {
	contract, err := app.ContractFor(m)
	if err != nil {
		return common.Address{}, nil, brokererr.Wrap(brokererr.KindInternal, "contract lookup", err)
	}
	args, err := processed.Args(m)
	if err != nil {
		return common.Address{}, nil, err
	}
	data, err := chain.PackCall(contract.ABI, m.Name, args...)
	if err != nil {
		return common.Address{}, nil, brokererr.Wrap(brokererr.KindInternal, "encode call", err)
	}
	return common.HexToAddress(contract.Address), data, nil
}

// requirements lists the token spends the method makes, verifying the
// wallet can cover each one.
func (p *Pipeline) requirements(ctx context.Context, app *appspec.App, m *appspec.MethodSpec, processed params.Processed, walletAddr common.Address) ([]approval.Requirement, error) {
	if !m.RequiresApproval {
		return nil, nil
	}
	spender, err := app.Spender(m)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "spender lookup", err)
	}

	rc := token.RefContext{Params: processed}
	var reqs []approval.Requirement
	for _, pair := range m.Pairs {
		if !pair.Direction.SpendsTokens() {
			continue
		}
		required, ok := processed.BigInt(pair.AmountParam)
		if !ok {
			return nil, brokererr.Param(pair.AmountParam, "amount missing from processed parameters")
		}
		ref, native, err := p.resolver.ResolveRef(pair.TokenParam, rc)
		if err != nil {
			return nil, err
		}
		if native {
			continue
		}
		tokenAddr := common.HexToAddress(ref)

		balance, err := p.client.BalanceOf(ctx, tokenAddr, walletAddr)
		if err != nil {
			return nil, brokererr.Wrap(brokererr.KindUnavailable, "balance query failed", err)
		}
		if balance.Cmp(required) < 0 {
			return nil, brokererr.Newf(brokererr.KindInsufficientBalance,
				"wallet holds %s raw units of %s, %s required", balance, tokenAddr.Hex(), required)
		}
		reqs = append(reqs, approval.Requirement{
			Token:    tokenAddr,
			Spender:  spender,
			Required: new(big.Int).Set(required),
		})
	}
	return reqs, nil
}
