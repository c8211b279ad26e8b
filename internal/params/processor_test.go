package params

import (
	"context"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/appspec"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/chain/chaintest"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/token"
)

var (
	ustcToken  = common.HexToAddress("0xA4224f910102490Dc02AAbcBc6cb3c59Ff390055")
	otherToken = common.HexToAddress("0x1111111111111111111111111111111111111111")
	testWallet = common.HexToAddress("0x2222222222222222222222222222222222222222")
)

func newProcessor(t *testing.T, fake *chaintest.Fake) *Processor {
	t.Helper()
	resolver := token.NewResolver(fake, nil, "BNB")
	pr := NewProcessor(resolver, NewOracle(fake, resolver))
	pr.Now = func() time.Time { return time.Unix(1_700_000_000, 0) }
	return pr
}

func depositMethod(t *testing.T) (*appspec.App, *appspec.MethodSpec) {
	t.Helper()
	app, ok := appspec.Lookup("ustc_preregister")
	if !ok {
		t.Fatal("ustc_preregister app not registered")
	}
	m, ok := app.Method("deposit", appspec.DirectionWrite)
	if !ok {
		t.Fatal("deposit method not found")
	}
	return app, m
}

func swapMethod(t *testing.T) (*appspec.App, *appspec.MethodSpec) {
	t.Helper()
	app, ok := appspec.Lookup("tidaldex_swap")
	if !ok {
		t.Fatal("tidaldex_swap app not registered")
	}
	m, ok := app.Method("swapExactTokensForTokens", appspec.DirectionWrite)
	if !ok {
		t.Fatal("swap method not found")
	}
	return app, m
}

func TestProcessConvertsHumanAmount(t *testing.T) {
	fake := &chaintest.Fake{}
	fake.SetMetadata(ustcToken, "USTC-cb", 6)
	app, m := depositMethod(t)

	out, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"token_address": ustcToken.Hex(),
		"amount":        "2.5k",
	}, testWallet)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	got, ok := out.BigInt("amount")
	if !ok {
		t.Fatal("amount missing from processed params")
	}
	if want := "2500000000"; got.String() != want {
		t.Fatalf("amount = %s, want %s", got, want)
	}
	if addr, _ := out.Address("token_address"); addr != ustcToken {
		t.Fatalf("token_address = %s", addr.Hex())
	}
}

func TestProcessInjectsDefaults(t *testing.T) {
	fake := &chaintest.Fake{}
	fake.SetMetadata(ustcToken, "USTC-cb", 6)
	app, m := depositMethod(t)

	// token_address omitted: the enforced default is injected.
	out, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amount": "1",
	}, testWallet)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if addr, _ := out.Address("token_address"); addr != ustcToken {
		t.Fatalf("token_address = %s, want enforced default", addr.Hex())
	}
}

func TestProcessInjectsCallerWallet(t *testing.T) {
	fake := &chaintest.Fake{}
	app, ok := appspec.Lookup("ustc_preregister")
	if !ok {
		t.Fatal("app not registered")
	}
	m, ok := app.Method("getUserDeposit", appspec.DirectionView)
	if !ok {
		t.Fatal("getUserDeposit method not found")
	}

	out, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{}, testWallet)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if addr, _ := out.Address("user"); addr != testWallet {
		t.Fatalf("user = %s, want caller wallet", addr.Hex())
	}
}

func TestProcessRejectsDivergentEnforcedAddressBeforeRPC(t *testing.T) {
	fake := &chaintest.Fake{MetaErr: context.DeadlineExceeded}
	app, m := depositMethod(t)

	_, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"token_address": otherToken.Hex(),
		"amount":        "1",
	}, testWallet)
	if brokererr.KindOf(err) != brokererr.KindParameterValidation {
		t.Fatalf("err = %v, want parameter validation", err)
	}
	if len(fake.ViewCalls) != 0 || fake.BalanceCalls != 0 {
		t.Fatal("rejected parameter must not reach the network")
	}
}

func TestProcessIntegerAmountBypassesConversion(t *testing.T) {
	fake := &chaintest.Fake{MetaErr: context.DeadlineExceeded}
	app, m := depositMethod(t)

	// Integers are already raw units: no decimals lookup happens, so
	// the metadata error above never fires.
	out, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amount": big.NewInt(123456),
	}, testWallet)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := out.BigInt("amount")
	if got.String() != "123456" {
		t.Fatalf("amount = %s, want 123456", got)
	}
}

func TestProcessRejectsZeroAmount(t *testing.T) {
	fake := &chaintest.Fake{}
	fake.SetMetadata(ustcToken, "USTC-cb", 6)
	app, m := depositMethod(t)

	_, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amount": "0",
	}, testWallet)
	typed, ok := brokererr.As(err)
	if !ok || typed.Kind != brokererr.KindParameterValidation || typed.Param != "amount" {
		t.Fatalf("err = %v, want validation error naming amount", err)
	}
}

func TestProcessAllPayment(t *testing.T) {
	fake := &chaintest.Fake{}
	fake.SetMetadata(ustcToken, "USTC-cb", 6)
	fake.SetBalance(ustcToken, testWallet, big.NewInt(2_500_000))
	app, m := depositMethod(t)

	out, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amount": "all",
	}, testWallet)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := out.BigInt("amount")
	if got.String() != "2500000" {
		t.Fatalf("amount = %s, want the live balance verbatim", got)
	}
}

func TestProcessAllWithdrawUsesDepositView(t *testing.T) {
	fake := &chaintest.Fake{}
	app, ok := appspec.Lookup("ustc_preregister")
	if !ok {
		t.Fatal("app not registered")
	}
	m, ok := app.Method("withdraw", appspec.DirectionWrite)
	if !ok {
		t.Fatal("withdraw method not found")
	}
	fake.SetMetadata(ustcToken, "USTC-cb", 6)
	preregister := common.HexToAddress(app.Contracts["preregister"].Address)
	fake.SetViewResult(preregister, "getUserDeposit", big.NewInt(777))
	// Wallet balance differs from the deposit: withdraw ALL must use
	// the contract's view, not the wallet balance.
	fake.SetBalance(ustcToken, testWallet, big.NewInt(5))

	out, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amount": "ALL",
	}, testWallet)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	got, _ := out.BigInt("amount")
	if got.String() != "777" {
		t.Fatalf("amount = %s, want deposit view value", got)
	}
	if fake.BalanceCalls != 0 {
		t.Fatal("withdraw ALL must not query the wallet balance")
	}
}

func TestProcessAllZeroBalance(t *testing.T) {
	fake := &chaintest.Fake{}
	fake.SetMetadata(ustcToken, "USTC-cb", 6)
	app, m := depositMethod(t)

	_, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amount": "ALL",
	}, testWallet)
	if brokererr.KindOf(err) != brokererr.KindZeroAmount {
		t.Fatalf("err = %v, want zero amount", err)
	}
}

func TestProcessSwapPathAndDeadline(t *testing.T) {
	fake := &chaintest.Fake{}
	fake.SetMetadata(ustcToken, "USTC-cb", 6)
	fake.SetMetadata(otherToken, "CAKE", 18)
	app, m := swapMethod(t)

	out, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amountIn":     "1.5",
		"amountOutMin": "0",
		"path":         []string{ustcToken.Hex(), otherToken.Hex()},
	}, testWallet)
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	// amountIn scales with path[0] decimals (6), not the default 18.
	in, _ := out.BigInt("amountIn")
	if in.String() != "1500000" {
		t.Fatalf("amountIn = %s, want 1500000", in)
	}
	// amountOutMin allows zero and scales with path[-1] decimals.
	min, _ := out.BigInt("amountOutMin")
	if min.Sign() != 0 {
		t.Fatalf("amountOutMin = %s, want 0", min)
	}
	if addr, _ := out.Address("to"); addr != testWallet {
		t.Fatalf("to = %s, want caller wallet", addr.Hex())
	}
	deadline, _ := out.BigInt("deadline")
	if want := int64(1_700_000_000 + 300); deadline.Int64() != want {
		t.Fatalf("deadline = %s, want %d", deadline, want)
	}

	path, ok := out["path"].([]common.Address)
	if !ok || len(path) != 2 || path[0] != ustcToken || path[1] != otherToken {
		t.Fatalf("path = %#v", out["path"])
	}

	args, err := out.Args(m)
	if err != nil {
		t.Fatalf("Args: %v", err)
	}
	if len(args) != len(m.Inputs) {
		t.Fatalf("Args returned %d values, want %d", len(args), len(m.Inputs))
	}
}

func TestProcessMissingRequiredParameter(t *testing.T) {
	fake := &chaintest.Fake{}
	fake.SetMetadata(ustcToken, "USTC-cb", 6)
	app, m := swapMethod(t)

	_, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amountIn":     "1",
		"amountOutMin": "0",
	}, testWallet)
	typed, ok := brokererr.As(err)
	if !ok || typed.Param != "path" {
		t.Fatalf("err = %v, want missing path", err)
	}
}

func TestProcessInvalidPath(t *testing.T) {
	fake := &chaintest.Fake{}
	app, m := swapMethod(t)

	_, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amountIn":     "1",
		"amountOutMin": "0",
		"path":         []string{"not-an-address", otherToken.Hex()},
	}, testWallet)
	if brokererr.KindOf(err) != brokererr.KindParameterValidation {
		t.Fatalf("err = %v, want parameter validation", err)
	}
}

func TestProcessDecimalsLookupFailsClosed(t *testing.T) {
	fake := &chaintest.Fake{MetaErr: context.DeadlineExceeded}
	app, m := depositMethod(t)

	_, err := newProcessor(t, fake).Process(context.Background(), app, m, map[string]any{
		"amount": "1.5",
	}, testWallet)
	if brokererr.KindOf(err) != brokererr.KindMetadataFetch {
		t.Fatalf("err = %v, want metadata fetch failure", err)
	}
}
