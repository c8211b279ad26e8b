// Package preview renders the human confirmation text for a prepared
// transaction. The preview is generated from the processed parameters,
// never from the raw input, so what the user confirms is exactly what
// will be signed.
package preview

import (
	"context"
	"fmt"
	"strings"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/amount"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/appspec"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/executor"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/params"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/token"
)

const displaySigFigs = 6

// Line is one rendered token movement.
type Line struct {
	Direction appspec.PairDirection
	Text      string
}

// Preview is the confirmation view of a prepared transaction.
type Preview struct {
	App           string
	Method        string
	Lines         []Line
	Summary       string
	GasLimit      uint64
	GasPriceWei   string
	GasIsFallback bool
	NeedsApproval bool
}

// Render returns the multi-line text shown to the user.
func (p Preview) Render() string {
	var b strings.Builder
	if p.Summary != "" {
		b.WriteString(p.Summary)
		b.WriteString("\n")
	}
	for _, line := range p.Lines {
		b.WriteString(line.Text)
		b.WriteString("\n")
	}
	if p.NeedsApproval {
		b.WriteString("A token approval will be sent first.\n")
	}
	if p.GasIsFallback {
		b.WriteString(fmt.Sprintf("Estimated gas: unknown (using defaults: %d gas at %s wei)\n", p.GasLimit, p.GasPriceWei))
	} else {
		b.WriteString(fmt.Sprintf("Estimated gas: %d at %s wei\n", p.GasLimit, p.GasPriceWei))
	}
	return b.String()
}

// Builder renders previews. Token metadata lookups fall back to a
// placeholder symbol so a display never blocks a transaction the user
// could still legitimately send.
type Builder struct {
	resolver *token.Resolver
}

func NewBuilder(resolver *token.Resolver) *Builder {
	return &Builder{resolver: resolver}
}

// Build renders the preview for one processed method call.
func (b *Builder) Build(ctx context.Context, app *appspec.App, m *appspec.MethodSpec, processed params.Processed, needsApproval bool, gas executor.GasPlan) (Preview, error) {
	p := Preview{
		App:           app.Name,
		Method:        m.Name,
		GasLimit:      gas.Limit,
		GasPriceWei:   gas.Price.String(),
		GasIsFallback: gas.Fallback,
		NeedsApproval: needsApproval,
	}

	rc := token.RefContext{Params: processed}
	rendered := map[appspec.PairDirection]string{}
	for _, pair := range m.Pairs {
		value, err := b.pairValue(ctx, pair, processed, rc)
		if err != nil {
			return Preview{}, err
		}
		text := pair.DisplayAs
		if text == "" {
			text = "{amount} {symbol}"
		}
		parts := strings.SplitN(value, " ", 2)
		text = strings.ReplaceAll(text, "{amount}", parts[0])
		if len(parts) == 2 {
			text = strings.ReplaceAll(text, "{symbol}", parts[1])
		}
		p.Lines = append(p.Lines, Line{Direction: pair.Direction, Text: text})
		if _, seen := rendered[pair.Direction]; !seen {
			rendered[pair.Direction] = text
		}
	}

	p.Summary = renderSummary(m.Summary, rendered)
	return p, nil
}

func (b *Builder) pairValue(ctx context.Context, pair appspec.TokenAmountPair, processed params.Processed, rc token.RefContext) (string, error) {
	raw, ok := processed.BigInt(pair.AmountParam)
	if !ok {
		return "", brokererr.Param(pair.AmountParam, "amount missing from processed parameters")
	}
	info, err := b.resolver.Resolve(ctx, pair.TokenParam, rc, true)
	if err != nil {
		return "", err
	}
	return amount.DisplaySigFig(raw, info.Decimals, displaySigFigs) + " " + info.Symbol, nil
}

func renderSummary(template string, rendered map[appspec.PairDirection]string) string {
	if template == "" {
		return ""
	}
	out := template
	for _, d := range []appspec.PairDirection{
		appspec.PairPayment, appspec.PairWithdraw, appspec.PairInput,
		appspec.PairOutput, appspec.PairStake,
	} {
		placeholder := "{" + string(d) + "}"
		if value, ok := rendered[d]; ok {
			out = strings.ReplaceAll(out, placeholder, value)
		}
	}
	return out
}
