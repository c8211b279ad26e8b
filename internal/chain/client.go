package chain

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
)

// Client is the chain RPC surface the pipeline consumes. Implementations
// must apply their own per-call timeouts; a timeout surfaces as a
// retryable unavailable error without corrupting caller state.
type Client interface {
	ChainID() *big.Int
	CallView(ctx context.Context, contract common.Address, abiKey, method string, args ...any) ([]any, error)
	BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error)
	Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error)
	TokenMetadata(ctx context.Context, token common.Address) (symbol string, decimals uint8, err error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	PendingNonce(ctx context.Context, addr common.Address) (uint64, error)
	SendRaw(ctx context.Context, tx *types.Transaction) error
	Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// EthClient implements Client over a go-ethereum RPC connection.
type EthClient struct {
	eth     *ethclient.Client
	chainID *big.Int
	timeout time.Duration
}

// Dial connects to the node and verifies the chain ID matches the
// configured one, so a misconfigured endpoint fails at startup rather
// than at signing time.
func Dial(ctx context.Context, rpcURL string, wantChainID int64, timeout time.Duration) (*EthClient, error) {
	eth, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindUnavailable, "connect rpc", err)
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	chainID, err := eth.ChainID(callCtx)
	if err != nil {
		eth.Close()
		return nil, brokererr.Wrap(brokererr.KindUnavailable, "read chain id", err)
	}
	if wantChainID > 0 && chainID.Int64() != wantChainID {
		eth.Close()
		return nil, brokererr.Newf(brokererr.KindInternal, "rpc endpoint serves chain %d, configured for %d", chainID.Int64(), wantChainID)
	}
	return &EthClient{eth: eth, chainID: chainID, timeout: timeout}, nil
}

func (c *EthClient) Close() { c.eth.Close() }

func (c *EthClient) ChainID() *big.Int { return new(big.Int).Set(c.chainID) }

func (c *EthClient) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

func (c *EthClient) CallView(ctx context.Context, contract common.Address, abiKey, method string, args ...any) ([]any, error) {
	parsed, err := ABIByKey(abiKey)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "resolve abi", err)
	}
	data, err := parsed.Pack(method, args...)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "pack view calldata", err)
	}
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	out, err := c.eth.CallContract(callCtx, ethereum.CallMsg{To: &contract, Data: data}, nil)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindUnavailable, "contract view call", err)
	}
	values, err := parsed.Unpack(method, out)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "decode view result", err)
	}
	return values, nil
}

func (c *EthClient) BalanceOf(ctx context.Context, token, owner common.Address) (*big.Int, error) {
	values, err := c.CallView(ctx, token, "erc20", "balanceOf", owner)
	if err != nil {
		return nil, err
	}
	return singleBigInt(values, "balanceOf")
}

func (c *EthClient) Allowance(ctx context.Context, token, owner, spender common.Address) (*big.Int, error) {
	values, err := c.CallView(ctx, token, "erc20", "allowance", owner, spender)
	if err != nil {
		return nil, err
	}
	return singleBigInt(values, "allowance")
}

func (c *EthClient) TokenMetadata(ctx context.Context, token common.Address) (string, uint8, error) {
	symValues, err := c.CallView(ctx, token, "erc20", "symbol")
	if err != nil {
		return "", 0, brokererr.Wrap(brokererr.KindMetadataFetch, "token symbol lookup", err)
	}
	symbol, ok := symValues[0].(string)
	if !ok {
		return "", 0, brokererr.New(brokererr.KindMetadataFetch, "token symbol has unexpected type")
	}
	decValues, err := c.CallView(ctx, token, "erc20", "decimals")
	if err != nil {
		return "", 0, brokererr.Wrap(brokererr.KindMetadataFetch, "token decimals lookup", err)
	}
	decimals, ok := decValues[0].(uint8)
	if !ok {
		return "", 0, brokererr.New(brokererr.KindMetadataFetch, "token decimals has unexpected type")
	}
	return symbol, decimals, nil
}

func (c *EthClient) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	gas, err := c.eth.EstimateGas(callCtx, msg)
	if err != nil {
		return 0, brokererr.Wrap(brokererr.KindUnavailable, "estimate gas", err)
	}
	return gas, nil
}

func (c *EthClient) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	price, err := c.eth.SuggestGasPrice(callCtx)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindUnavailable, "suggest gas price", err)
	}
	return price, nil
}

func (c *EthClient) PendingNonce(ctx context.Context, addr common.Address) (uint64, error) {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	nonce, err := c.eth.PendingNonceAt(callCtx, addr)
	if err != nil {
		return 0, brokererr.Wrap(brokererr.KindUnavailable, "fetch nonce", err)
	}
	return nonce, nil
}

func (c *EthClient) SendRaw(ctx context.Context, tx *types.Transaction) error {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	// The raw error passes through so the executor can classify
	// node-level rejections.
	return c.eth.SendTransaction(callCtx, tx)
}

func (c *EthClient) Receipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	callCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	return c.eth.TransactionReceipt(callCtx, hash)
}

func singleBigInt(values []any, method string) (*big.Int, error) {
	if len(values) != 1 {
		return nil, brokererr.Newf(brokererr.KindInternal, "%s returned %d values", method, len(values))
	}
	v, ok := values[0].(*big.Int)
	if !ok {
		return nil, brokererr.Newf(brokererr.KindInternal, "%s returned unexpected type", method)
	}
	return v, nil
}
