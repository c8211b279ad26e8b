package params

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/appspec"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/chain"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/logging"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/token"
)

// Oracle resolves the symbolic "ALL" amount against live chain state.
// Payments use the wallet's current token balance verbatim; withdrawals
// use the app's deposit view so the user can always drain exactly what
// the contract holds for them.
type Oracle struct {
	client   chain.Client
	resolver *token.Resolver
}

func NewOracle(client chain.Client, resolver *token.Resolver) *Oracle {
	return &Oracle{client: client, resolver: resolver}
}

// ResolveSymbolic returns the raw-unit amount that "ALL" stands for in
// the named parameter of a method call. The result is used verbatim,
// never rounded or decremented.
func (o *Oracle) ResolveSymbolic(ctx context.Context, app *appspec.App, m *appspec.MethodSpec, paramName string, rc token.RefContext, wallet common.Address) (*big.Int, error) {
	pair, ok := pairForAmount(m, paramName)
	if !ok {
		return nil, brokererr.Param(paramName, "ALL is not supported for this parameter")
	}

	var (
		resolved *big.Int
		err      error
	)
	switch pair.Direction {
	case appspec.PairPayment, appspec.PairInput, appspec.PairStake:
		resolved, err = o.walletBalance(ctx, pair, rc, wallet)
	case appspec.PairWithdraw:
		resolved, err = o.depositBalance(ctx, app, m, wallet)
	default:
		return nil, brokererr.Param(paramName, "ALL is not supported for this parameter")
	}
	if err != nil {
		return nil, err
	}

	if resolved.Sign() == 0 {
		return nil, brokererr.New(brokererr.KindZeroAmount, "amount is zero, there is nothing to transact")
	}
	logging.Debug("resolved symbolic amount",
		zap.String("param", paramName),
		zap.String("direction", string(pair.Direction)),
		zap.String("raw", resolved.String()))
	return resolved, nil
}

func (o *Oracle) walletBalance(ctx context.Context, pair appspec.TokenAmountPair, rc token.RefContext, wallet common.Address) (*big.Int, error) {
	info, err := o.resolver.Resolve(ctx, pair.TokenParam, rc, false)
	if err != nil {
		return nil, err
	}
	if info.Native {
		return nil, brokererr.New(brokererr.KindParameterValidation, "ALL is not supported for the native currency")
	}
	balance, err := o.client.BalanceOf(ctx, info.Address, wallet)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindUnavailable, "balance query failed", err)
	}
	return balance, nil
}

func (o *Oracle) depositBalance(ctx context.Context, app *appspec.App, m *appspec.MethodSpec, wallet common.Address) (*big.Int, error) {
	if m.DepositView == "" {
		return nil, brokererr.New(brokererr.KindParameterValidation, "ALL is not supported for this operation")
	}
	view, ok := app.AnyMethod(m.DepositView)
	if !ok {
		return nil, brokererr.Newf(brokererr.KindInternal, "deposit view %q is not configured", m.DepositView)
	}
	contract, err := app.ContractFor(view)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindInternal, "deposit view contract is not configured", err)
	}
	results, err := o.client.CallView(ctx, common.HexToAddress(contract.Address), contract.ABI, view.Name, wallet)
	if err != nil {
		return nil, brokererr.Wrap(brokererr.KindUnavailable, "deposit balance query failed", err)
	}
	if len(results) == 0 {
		return nil, brokererr.New(brokererr.KindUnavailable, "deposit view returned no value")
	}
	balance, ok := results[0].(*big.Int)
	if !ok {
		return nil, brokererr.Newf(brokererr.KindInternal, "deposit view returned %T, expected integer", results[0])
	}
	return new(big.Int).Set(balance), nil
}

func pairForAmount(m *appspec.MethodSpec, paramName string) (appspec.TokenAmountPair, bool) {
	for _, pair := range m.Pairs {
		if pair.AmountParam == paramName {
			return pair, true
		}
	}
	return appspec.TokenAmountPair{}, false
}
