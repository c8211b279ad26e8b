package appspec

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Direction distinguishes read-only calls from state-changing ones.
type Direction string

const (
	DirectionView  Direction = "view"
	DirectionWrite Direction = "write"
)

// PairDirection tags what a token/amount pair means to the user.
type PairDirection string

const (
	PairPayment  PairDirection = "payment"
	PairWithdraw PairDirection = "withdraw"
	PairInput    PairDirection = "input"
	PairOutput   PairDirection = "output"
	PairStake    PairDirection = "stake"
	PairOther    PairDirection = "other"
)

// SpendsTokens reports whether the pair direction moves tokens out of the
// user's wallet and therefore participates in allowance checks.
func (d PairDirection) SpendsTokens() bool {
	switch d {
	case PairPayment, PairInput, PairStake:
		return true
	default:
		return false
	}
}

// ParamType is the semantic type a processing rule applies.
type ParamType string

const (
	ParamAddress     ParamType = "address"
	ParamAddressList ParamType = "address_list"
	ParamTokenAmount ParamType = "token_amount"
	ParamRawInteger  ParamType = "raw_integer"
	ParamString      ParamType = "string"
	ParamTimestamp   ParamType = "timestamp"
)

// TokenAmountPair links a token reference to an amount parameter for
// display and approval purposes. TokenParam may be a parameter name, a
// positional path reference ("path[0]", "path[-1]", "path[2]"), or the
// native currency symbol.
type TokenAmountPair struct {
	TokenParam  string        `yaml:"token_param"`
	AmountParam string        `yaml:"amount_param"`
	Direction   PairDirection `yaml:"direction"`
	DisplayAs   string        `yaml:"display_as"`
}

// MethodSpec is the immutable descriptor of one callable contract method.
type MethodSpec struct {
	Name             string            `yaml:"name"`
	Contract         string            `yaml:"contract"`
	Direction        Direction         `yaml:"direction"`
	Inputs           []string          `yaml:"inputs"`
	RequiresApproval bool              `yaml:"requires_token_approval"`
	SpenderContract  string            `yaml:"spender_contract"`
	DepositView      string            `yaml:"deposit_view"`
	Pairs            []TokenAmountPair `yaml:"token_amount_pairs"`
	Summary          string            `yaml:"summary"`
}

// Rule is the per-parameter-name processing rule.
type Rule struct {
	Type             ParamType `yaml:"type"`
	ConvertFromHuman bool      `yaml:"convert_from_human"`
	DecimalsFrom     string    `yaml:"get_decimals_from"`
	Default          string    `yaml:"default"`
	Enforce          string    `yaml:"enforce"`
	AllowZero        bool      `yaml:"allow_zero"`
}

// Contract names an on-chain target plus its ABI fragment key.
type Contract struct {
	Address string `yaml:"address"`
	ABI     string `yaml:"abi"`
}

// App is one configured application: a contract set, its callable
// methods, and the parameter processing rules shared by them.
type App struct {
	Name        string              `yaml:"name"`
	Description string              `yaml:"description"`
	Contracts   map[string]Contract `yaml:"contracts"`
	Methods     []MethodSpec        `yaml:"methods"`
	Rules       map[string]Rule     `yaml:"parameter_processing"`
}

// Method returns the named method with the given direction.
func (a *App) Method(name string, direction Direction) (*MethodSpec, bool) {
	for i := range a.Methods {
		if a.Methods[i].Name == name && a.Methods[i].Direction == direction {
			return &a.Methods[i], true
		}
	}
	return nil, false
}

// AnyMethod returns the named method regardless of direction.
func (a *App) AnyMethod(name string) (*MethodSpec, bool) {
	for i := range a.Methods {
		if a.Methods[i].Name == name {
			return &a.Methods[i], true
		}
	}
	return nil, false
}

// ContractFor resolves the contract a method targets. An empty contract
// key falls back to the app's sole contract when unambiguous.
func (a *App) ContractFor(m *MethodSpec) (Contract, error) {
	key := m.Contract
	if key == "" {
		if len(a.Contracts) != 1 {
			return Contract{}, fmt.Errorf("method %s names no contract and app %s has %d", m.Name, a.Name, len(a.Contracts))
		}
		for _, c := range a.Contracts {
			return c, nil
		}
	}
	c, ok := a.Contracts[key]
	if !ok {
		return Contract{}, fmt.Errorf("method %s references unknown contract %q", m.Name, key)
	}
	return c, nil
}

// Spender resolves the ERC20 spender address for an approval-requiring
// method: the configured spender contract, or the method's own target.
func (a *App) Spender(m *MethodSpec) (common.Address, error) {
	key := m.SpenderContract
	if key == "" {
		c, err := a.ContractFor(m)
		if err != nil {
			return common.Address{}, err
		}
		return common.HexToAddress(c.Address), nil
	}
	c, ok := a.Contracts[key]
	if !ok {
		return common.Address{}, fmt.Errorf("method %s references unknown spender contract %q", m.Name, key)
	}
	return common.HexToAddress(c.Address), nil
}

func parseApp(raw []byte) (*App, error) {
	var app App
	if err := yaml.Unmarshal(raw, &app); err != nil {
		return nil, fmt.Errorf("parse app config: %w", err)
	}
	if err := app.validate(); err != nil {
		return nil, err
	}
	return &app, nil
}

func (a *App) validate() error {
	if strings.TrimSpace(a.Name) == "" {
		return fmt.Errorf("app config is missing a name")
	}
	if len(a.Contracts) == 0 {
		return fmt.Errorf("app %s declares no contracts", a.Name)
	}
	for key, c := range a.Contracts {
		if !common.IsHexAddress(c.Address) {
			return fmt.Errorf("app %s contract %s has invalid address %q", a.Name, key, c.Address)
		}
	}
	seen := map[string]bool{}
	for i := range a.Methods {
		m := &a.Methods[i]
		if seen[m.Name] {
			return fmt.Errorf("app %s declares method %s twice", a.Name, m.Name)
		}
		seen[m.Name] = true
		switch m.Direction {
		case DirectionView, DirectionWrite:
		default:
			return fmt.Errorf("app %s method %s has invalid direction %q", a.Name, m.Name, m.Direction)
		}
		if _, err := a.ContractFor(m); err != nil {
			return err
		}
		if m.RequiresApproval {
			if _, err := a.Spender(m); err != nil {
				return err
			}
		}
		for _, pair := range m.Pairs {
			switch pair.Direction {
			case PairPayment, PairWithdraw, PairInput, PairOutput, PairStake, PairOther:
			default:
				return fmt.Errorf("app %s method %s pair has invalid direction %q", a.Name, m.Name, pair.Direction)
			}
		}
	}
	for name, rule := range a.Rules {
		switch rule.Type {
		case ParamAddress, ParamAddressList, ParamTokenAmount, ParamRawInteger, ParamString, ParamTimestamp:
		default:
			return fmt.Errorf("app %s rule %s has invalid type %q", a.Name, name, rule.Type)
		}
		if rule.Enforce != "" && !common.IsHexAddress(rule.Enforce) {
			return fmt.Errorf("app %s rule %s enforces invalid address %q", a.Name, name, rule.Enforce)
		}
	}
	return nil
}

// Names lists the registered app names, sorted.
func Names() []string {
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Lookup returns the compiled-in app with the given name.
func Lookup(name string) (*App, bool) {
	app, ok := registry[strings.ToLower(strings.TrimSpace(name))]
	return app, ok
}
