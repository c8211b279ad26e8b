// Package executor signs, broadcasts, and awaits transactions. A
// transaction is broadcast at most once; after broadcast the outcome is
// Confirmed, Failed, or indeterminate, never silently retried.
package executor

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/chain"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/logging"
)

// Request is one transaction to sign and broadcast. GasLimit and
// GasPrice must already be resolved; see GasPlan.
type Request struct {
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
	GasPrice *big.Int
}

// GasPlan is a resolved gas limit and price plus whether the node
// estimate succeeded or the configured fallbacks were used.
type GasPlan struct {
	Limit    uint64
	Price    *big.Int
	Fallback bool
}

// Executor broadcasts signed transactions and polls for receipts.
type Executor struct {
	client         chain.Client
	chainID        *big.Int
	confirmTimeout time.Duration
	pollInterval   time.Duration

	gasLimitFallback uint64
	gasPriceFallback *big.Int
}

func New(client chain.Client, confirmTimeout, pollInterval time.Duration, gasLimitFallback uint64, gasPriceFallback *big.Int) *Executor {
	return &Executor{
		client:           client,
		chainID:          client.ChainID(),
		confirmTimeout:   confirmTimeout,
		pollInterval:     pollInterval,
		gasLimitFallback: gasLimitFallback,
		gasPriceFallback: gasPriceFallback,
	}
}

// PlanGas estimates gas for a call, falling back to the configured
// conservative defaults when the node cannot estimate. An estimation
// failure never blocks preparation.
func (e *Executor) PlanGas(ctx context.Context, from, to common.Address, data []byte, value *big.Int) GasPlan {
	plan := GasPlan{Limit: e.gasLimitFallback, Price: new(big.Int).Set(e.gasPriceFallback), Fallback: true}

	limit, err := e.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &to, Data: data, Value: value})
	if err != nil {
		logging.Warn("gas estimation failed, using fallback", zap.Error(err))
		return plan
	}
	price, err := e.client.SuggestGasPrice(ctx)
	if err != nil {
		logging.Warn("gas price lookup failed, using fallback", zap.Error(err))
		return plan
	}
	return GasPlan{Limit: limit, Price: price}
}

// Execute signs and broadcasts the request, then awaits its receipt.
// The returned hash is valid whenever broadcast succeeded, including on
// confirmation timeout.
func (e *Executor) Execute(ctx context.Context, key *ecdsa.PrivateKey, req Request) (*types.Receipt, common.Hash, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	nonce, err := e.client.PendingNonce(ctx, from)
	if err != nil {
		return nil, common.Hash{}, brokererr.Wrap(brokererr.KindUnavailable, "read nonce", err)
	}

	value := req.Value
	if value == nil {
		value = big.NewInt(0)
	}
	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &req.To,
		Value:    value,
		Gas:      req.GasLimit,
		GasPrice: req.GasPrice,
		Data:     req.Data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(e.chainID), key)
	if err != nil {
		return nil, common.Hash{}, brokererr.Wrap(brokererr.KindInternal, "sign transaction", err)
	}

	hash := signed.Hash()
	if err := e.client.SendRaw(ctx, signed); err != nil {
		return nil, common.Hash{}, classifySendError(err)
	}
	logging.Info("transaction broadcast",
		zap.String("hash", hash.Hex()),
		zap.Uint64("nonce", nonce),
		zap.Uint64("gas_limit", req.GasLimit))

	receipt, err := e.Await(ctx, hash)
	return receipt, hash, err
}

// Await polls for the receipt until the confirmation timeout. A timeout
// is indeterminate: the transaction may still land, so callers must not
// report it as failed.
func (e *Executor) Await(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	deadline := time.NewTimer(e.confirmTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(e.pollInterval)
	defer tick.Stop()

	for {
		receipt, err := e.client.Receipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) {
			logging.Warn("receipt poll failed", zap.String("hash", hash.Hex()), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, brokererr.Wrap(brokererr.KindTimeoutIndeterminate, "confirmation wait cancelled, transaction may still confirm", ctx.Err())
		case <-deadline.C:
			return nil, brokererr.Newf(brokererr.KindTimeoutIndeterminate, "transaction %s not confirmed in time, it may still confirm", hash.Hex())
		case <-tick.C:
		}
	}
}

// fatalRejections are node responses that mean the transaction was
// definitively not accepted into the mempool.
var fatalRejections = []string{
	"nonce too low",
	"replacement transaction underpriced",
	"transaction underpriced",
	"insufficient funds",
	"already known",
	"exceeds block gas limit",
	"intrinsic gas too low",
}

func classifySendError(err error) error {
	msg := strings.ToLower(err.Error())
	for _, needle := range fatalRejections {
		if strings.Contains(msg, needle) {
			return brokererr.Wrap(brokererr.KindNodeRejected, "node rejected transaction", err)
		}
	}
	return brokererr.Wrap(brokererr.KindUnavailable, "broadcast failed", err)
}
