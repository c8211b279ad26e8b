package params

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/amount"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/appspec"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/token"
)

// DefaultUserWallet is the rule default that injects the caller's active
// wallet address.
const DefaultUserWallet = "user_wallet_address"

// Processed holds contract-call-ready values: *big.Int raw units,
// common.Address, []common.Address, or string. Human-scaled decimals
// never appear here.
type Processed map[string]any

// BigInt returns the named parameter as raw integer units.
func (p Processed) BigInt(name string) (*big.Int, bool) {
	v, ok := p[name].(*big.Int)
	return v, ok
}

// Address returns the named parameter as a checksummed address.
func (p Processed) Address(name string) (common.Address, bool) {
	v, ok := p[name].(common.Address)
	return v, ok
}

// Args lists the processed values in the method's declared input order,
// ready for ABI packing.
func (p Processed) Args(m *appspec.MethodSpec) ([]any, error) {
	args := make([]any, 0, len(m.Inputs))
	for _, name := range m.Inputs {
		v, ok := p[name]
		if !ok {
			return nil, brokererr.Param(name, "parameter missing after processing")
		}
		args = append(args, v)
	}
	return args, nil
}

// Processor converts raw, loosely-typed parameters into typed values.
// It resolves dependency parameters (token addresses, paths) before the
// amounts that need their decimals, regardless of input order, and never
// partially applies: the returned map is complete or the error names the
// offending parameter.
type Processor struct {
	Resolver *token.Resolver
	Oracle   *Oracle
	Now      func() time.Time
}

func NewProcessor(resolver *token.Resolver, oracle *Oracle) *Processor {
	return &Processor{Resolver: resolver, Oracle: oracle, Now: time.Now}
}

// Process applies the app's rules to raw parameters for one method call.
// wallet is the caller's active wallet address, used for defaults and
// symbolic amount resolution.
func (pr *Processor) Process(ctx context.Context, app *appspec.App, m *appspec.MethodSpec, raw map[string]any, wallet common.Address) (Processed, error) {
	out := Processed{}

	// Pass 1: everything except token amounts. Enforced constants are
	// checked here, before any network access.
	for _, name := range m.Inputs {
		rule := app.Rules[name]
		if rule.Type == appspec.ParamTokenAmount {
			continue
		}
		value, supplied := raw[name]
		if !supplied {
			if rule.Default == "" {
				return nil, brokererr.Param(name, "required parameter is missing")
			}
			value = pr.defaultValue(rule, wallet)
		}
		typed, err := pr.applyScalarRule(name, rule, value, wallet)
		if err != nil {
			return nil, err
		}
		out[name] = typed
	}

	// Enforced constants supplied outside the input list are still
	// rejected: a divergent token_address never reaches the chain.
	for name, value := range raw {
		rule, hasRule := app.Rules[name]
		if !hasRule || rule.Enforce == "" {
			continue
		}
		if s, ok := value.(string); ok && strings.TrimSpace(s) != "" {
			if !addressesEqual(s, rule.Enforce) {
				return nil, brokererr.Param(name, fmt.Sprintf("invalid token address, this operation only accepts %s", common.HexToAddress(rule.Enforce).Hex()))
			}
		}
	}

	// Pass 2: token amounts, with decimals sourced from the already
	// resolved parameters.
	rc := token.RefContext{Params: mergeRefParams(raw, out)}
	for _, name := range m.Inputs {
		rule := app.Rules[name]
		if rule.Type != appspec.ParamTokenAmount {
			continue
		}
		value, supplied := raw[name]
		if !supplied {
			if rule.Default == "" {
				return nil, brokererr.Param(name, "required parameter is missing")
			}
			value = rule.Default
		}
		rawUnits, err := pr.resolveAmount(ctx, app, m, name, rule, value, rc, wallet)
		if err != nil {
			return nil, err
		}
		if rawUnits.Sign() < 0 {
			return nil, brokererr.Param(name, "amount must be non-negative")
		}
		if rawUnits.Sign() == 0 && !rule.AllowZero {
			return nil, brokererr.Param(name, "amount must be greater than zero")
		}
		out[name] = rawUnits
	}

	return out, nil
}

func (pr *Processor) defaultValue(rule appspec.Rule, wallet common.Address) any {
	switch rule.Default {
	case DefaultUserWallet:
		return wallet.Hex()
	case "now+5m":
		return new(big.Int).SetInt64(pr.Now().Add(5 * time.Minute).Unix())
	default:
		return rule.Default
	}
}

func (pr *Processor) applyScalarRule(name string, rule appspec.Rule, value any, wallet common.Address) (any, error) {
	switch rule.Type {
	case appspec.ParamAddress, "":
		s := stringValue(value)
		if strings.EqualFold(s, DefaultUserWallet) {
			s = wallet.Hex()
		}
		if rule.Type == "" && !common.IsHexAddress(s) {
			// No rule registered: pass strings through untouched.
			return stringValue(value), nil
		}
		if !common.IsHexAddress(s) {
			return nil, brokererr.Param(name, "not a valid address")
		}
		addr := common.HexToAddress(s)
		if rule.Enforce != "" && addr != common.HexToAddress(rule.Enforce) {
			return nil, brokererr.Param(name, fmt.Sprintf("invalid token address, this operation only accepts %s", common.HexToAddress(rule.Enforce).Hex()))
		}
		return addr, nil

	case appspec.ParamAddressList:
		items, err := token.PathAddresses(value)
		if err != nil {
			return nil, err
		}
		if len(items) < 2 {
			return nil, brokererr.Param(name, "path must contain at least two addresses")
		}
		addrs := make([]common.Address, len(items))
		for i, item := range items {
			addrs[i] = common.HexToAddress(item)
		}
		return addrs, nil

	case appspec.ParamRawInteger, appspec.ParamTimestamp:
		n, err := integerValue(value)
		if err != nil {
			return nil, brokererr.Param(name, err.Error())
		}
		if n.Sign() < 0 {
			return nil, brokererr.Param(name, "must be non-negative")
		}
		return n, nil

	case appspec.ParamString:
		return stringValue(value), nil

	default:
		return nil, brokererr.Param(name, fmt.Sprintf("unsupported parameter type %q", rule.Type))
	}
}

func (pr *Processor) resolveAmount(ctx context.Context, app *appspec.App, m *appspec.MethodSpec, name string, rule appspec.Rule, value any, rc token.RefContext, wallet common.Address) (*big.Int, error) {
	// Integers are authoritative raw units and never re-scaled.
	if n, ok := integerLike(value); ok {
		return n, nil
	}

	s := stringValue(value)
	if IsSymbolic(s) {
		if pr.Oracle == nil {
			return nil, brokererr.Param(name, "symbolic amounts are not supported here")
		}
		return pr.Oracle.ResolveSymbolic(ctx, app, m, name, rc, wallet)
	}

	if !rule.ConvertFromHuman {
		n, err := integerValue(value)
		if err != nil {
			return nil, brokererr.Param(name, "expected raw integer units")
		}
		return n, nil
	}

	decimals := 18
	if rule.DecimalsFrom != "" {
		info, err := pr.Resolver.Resolve(ctx, rule.DecimalsFrom, rc, false)
		if err != nil {
			return nil, err
		}
		decimals = info.Decimals
	}
	rawUnits, err := amount.RawFromHuman(s, decimals)
	if err != nil {
		if typed, ok := brokererr.As(err); ok && typed.Param == "" {
			typed.Param = name
		}
		return nil, err
	}
	return rawUnits, nil
}

// IsSymbolic reports whether a value is the symbolic full-balance amount.
func IsSymbolic(v string) bool {
	return strings.EqualFold(strings.TrimSpace(v), "ALL")
}

func stringValue(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case common.Address:
		return s.Hex()
	case fmt.Stringer:
		return s.String()
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

// integerLike recognizes values that are already exact integers, which
// bypass human-decimal conversion entirely.
func integerLike(v any) (*big.Int, bool) {
	switch n := v.(type) {
	case *big.Int:
		return new(big.Int).Set(n), true
	case int:
		return big.NewInt(int64(n)), true
	case int64:
		return big.NewInt(n), true
	case uint64:
		return new(big.Int).SetUint64(n), true
	default:
		return nil, false
	}
}

func integerValue(v any) (*big.Int, error) {
	if n, ok := integerLike(v); ok {
		return n, nil
	}
	switch n := v.(type) {
	case float64:
		d := decimal.NewFromFloat(n)
		if !d.IsInteger() {
			return nil, fmt.Errorf("must be an integer, got %v", v)
		}
		return d.BigInt(), nil
	case string:
		clean := strings.TrimSpace(n)
		out, ok := new(big.Int).SetString(clean, 10)
		if !ok {
			return nil, fmt.Errorf("must be an integer, got %q", n)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("must be an integer")
	}
}

func addressesEqual(a, b string) bool {
	if !common.IsHexAddress(strings.TrimSpace(a)) || !common.IsHexAddress(strings.TrimSpace(b)) {
		return false
	}
	return common.HexToAddress(strings.TrimSpace(a)) == common.HexToAddress(strings.TrimSpace(b))
}

func mergeRefParams(raw map[string]any, processed Processed) map[string]any {
	merged := make(map[string]any, len(raw)+len(processed))
	for k, v := range raw {
		merged[k] = v
	}
	for k, v := range processed {
		merged[k] = v
	}
	return merged
}
