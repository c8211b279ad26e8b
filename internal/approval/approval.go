// Package approval brings ERC-20 allowances up to the amount a method
// call is about to spend. Allowances are always read live; a cached
// value could hide a spend that happened since.
package approval

import (
	"context"
	"crypto/ecdsa"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/chain"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/executor"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/logging"
)

// Outcome reports how an allowance requirement was satisfied.
type Outcome int

const (
	// Sufficient means the existing allowance already covered the spend.
	Sufficient Outcome = iota
	// Approved means an approval transaction was sent and confirmed.
	Approved
)

// Requirement is one token spend that needs allowance coverage.
type Requirement struct {
	Token    common.Address
	Spender  common.Address
	Required *big.Int
}

// Orchestrator checks and, when needed, raises allowances. The approval
// transaction is confirmed before the caller proceeds; the main call is
// never raced against its own approval.
type Orchestrator struct {
	client   chain.Client
	executor *executor.Executor
}

func New(client chain.Client, exec *executor.Executor) *Orchestrator {
	return &Orchestrator{client: client, executor: exec}
}

// Check reports whether the current live allowance covers the
// requirement, without sending anything.
func (o *Orchestrator) Check(ctx context.Context, owner common.Address, req Requirement) (bool, error) {
	allowance, err := o.client.Allowance(ctx, req.Token, owner, req.Spender)
	if err != nil {
		return false, brokererr.Wrap(brokererr.KindUnavailable, "allowance query failed", err)
	}
	return allowance.Cmp(req.Required) >= 0, nil
}

// Ensure makes the spender's allowance cover the requirement, sending
// and awaiting an approve for the exact required amount when it does
// not. The signing key is the owner's.
func (o *Orchestrator) Ensure(ctx context.Context, key *ecdsa.PrivateKey, owner common.Address, req Requirement) (Outcome, error) {
	covered, err := o.Check(ctx, owner, req)
	if err != nil {
		return Sufficient, err
	}
	if covered {
		return Sufficient, nil
	}

	data, err := chain.PackCall("erc20", "approve", req.Spender, req.Required)
	if err != nil {
		return Sufficient, brokererr.Wrap(brokererr.KindInternal, "encode approve", err)
	}
	plan := o.executor.PlanGas(ctx, owner, req.Token, data, nil)

	logging.Info("sending approval",
		zap.String("token", req.Token.Hex()),
		zap.String("spender", req.Spender.Hex()),
		zap.String("amount", req.Required.String()))
	receipt, hash, err := o.executor.Execute(ctx, key, executor.Request{
		To:       req.Token,
		Data:     data,
		GasLimit: plan.Limit,
		GasPrice: plan.Price,
	})
	if err != nil {
		return Sufficient, brokererr.Wrap(brokererr.KindApprovalFailed, "approval did not complete", err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return Sufficient, brokererr.Newf(brokererr.KindApprovalFailed, "approval transaction %s reverted", hash.Hex())
	}
	return Approved, nil
}

// EnsureAll processes requirements strictly in order, stopping at the
// first failure.
func (o *Orchestrator) EnsureAll(ctx context.Context, key *ecdsa.PrivateKey, owner common.Address, reqs []Requirement) ([]Outcome, error) {
	outcomes := make([]Outcome, 0, len(reqs))
	for _, req := range reqs {
		outcome, err := o.Ensure(ctx, key, owner, req)
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
