// Package chaintest provides an in-memory chain.Client for tests.
package chaintest

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// Metadata is a fake token's symbol/decimals pair.
type Metadata struct {
	Symbol   string
	Decimals uint8
}

// Fake is a configurable in-memory chain.Client. The zero value is
// usable; set fields before handing it to the code under test.
type Fake struct {
	mu sync.Mutex

	ID          *big.Int
	Balances    map[string]*big.Int // key: token|owner
	Allowances  map[string]*big.Int // key: token|owner|spender
	Meta        map[string]Metadata // key: token
	MetaErr     error
	ViewResults map[string][]any // key: contract|method
	ViewErr     error

	GasEstimate    uint64
	GasEstimateErr error
	GasPrice       *big.Int
	GasPriceErr    error
	NonceValue     uint64

	SendErr  error
	SentTxs  []*types.Transaction
	Receipts map[common.Hash]*types.Receipt

	BalanceCalls   int
	AllowanceCalls int
	ViewCalls      []string
	ReceiptCalls   int

	// OnSend runs after a successful SendRaw, letting tests mutate
	// state (e.g. bump an allowance once the approval "lands").
	OnSend func(tx *types.Transaction)
}

func key(parts ...string) string {
	lowered := make([]string, len(parts))
	for i, p := range parts {
		lowered[i] = strings.ToLower(p)
	}
	return strings.Join(lowered, "|")
}

func (f *Fake) SetBalance(token, owner common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Balances == nil {
		f.Balances = map[string]*big.Int{}
	}
	f.Balances[key(token.Hex(), owner.Hex())] = new(big.Int).Set(v)
}

func (f *Fake) SetAllowance(token, owner, spender common.Address, v *big.Int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Allowances == nil {
		f.Allowances = map[string]*big.Int{}
	}
	f.Allowances[key(token.Hex(), owner.Hex(), spender.Hex())] = new(big.Int).Set(v)
}

func (f *Fake) SetMetadata(token common.Address, symbol string, decimals uint8) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Meta == nil {
		f.Meta = map[string]Metadata{}
	}
	f.Meta[key(token.Hex())] = Metadata{Symbol: symbol, Decimals: decimals}
}

func (f *Fake) SetViewResult(contract common.Address, method string, values ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ViewResults == nil {
		f.ViewResults = map[string][]any{}
	}
	f.ViewResults[key(contract.Hex(), method)] = values
}

func (f *Fake) SetReceipt(hash common.Hash, receipt *types.Receipt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Receipts == nil {
		f.Receipts = map[common.Hash]*types.Receipt{}
	}
	f.Receipts[hash] = receipt
}

func (f *Fake) ChainID() *big.Int {
	if f.ID == nil {
		return big.NewInt(56)
	}
	return new(big.Int).Set(f.ID)
}

func (f *Fake) CallView(_ context.Context, contract common.Address, _, method string, _ ...any) ([]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ViewCalls = append(f.ViewCalls, method)
	if f.ViewErr != nil {
		return nil, f.ViewErr
	}
	values, ok := f.ViewResults[key(contract.Hex(), method)]
	if !ok {
		return nil, fmt.Errorf("no fake view result for %s.%s", contract.Hex(), method)
	}
	return values, nil
}

func (f *Fake) BalanceOf(_ context.Context, token, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.BalanceCalls++
	if v, ok := f.Balances[key(token.Hex(), owner.Hex())]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (f *Fake) Allowance(_ context.Context, token, owner, spender common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AllowanceCalls++
	if v, ok := f.Allowances[key(token.Hex(), owner.Hex(), spender.Hex())]; ok {
		return new(big.Int).Set(v), nil
	}
	return big.NewInt(0), nil
}

func (f *Fake) TokenMetadata(_ context.Context, token common.Address) (string, uint8, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MetaErr != nil {
		return "", 0, f.MetaErr
	}
	meta, ok := f.Meta[key(token.Hex())]
	if !ok {
		return "", 0, fmt.Errorf("no fake metadata for %s", token.Hex())
	}
	return meta.Symbol, meta.Decimals, nil
}

func (f *Fake) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	if f.GasEstimateErr != nil {
		return 0, f.GasEstimateErr
	}
	if f.GasEstimate == 0 {
		return 21000, nil
	}
	return f.GasEstimate, nil
}

func (f *Fake) SuggestGasPrice(context.Context) (*big.Int, error) {
	if f.GasPriceErr != nil {
		return nil, f.GasPriceErr
	}
	if f.GasPrice == nil {
		return big.NewInt(5_000_000_000), nil
	}
	return new(big.Int).Set(f.GasPrice), nil
}

func (f *Fake) PendingNonce(context.Context, common.Address) (uint64, error) {
	return f.NonceValue, nil
}

func (f *Fake) SendRaw(_ context.Context, tx *types.Transaction) error {
	if f.SendErr != nil {
		return f.SendErr
	}
	f.mu.Lock()
	f.SentTxs = append(f.SentTxs, tx)
	onSend := f.OnSend
	f.mu.Unlock()
	if onSend != nil {
		onSend(tx)
	}
	return nil
}

func (f *Fake) Receipt(_ context.Context, hash common.Hash) (*types.Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ReceiptCalls++
	if receipt, ok := f.Receipts[hash]; ok {
		return receipt, nil
	}
	return nil, ethereum.NotFound
}
