package amount

import (
	"math/big"
	"strings"

	"github.com/shopspring/decimal"

	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
)

// Suffix multipliers accepted in human-scaled input ("2.5m" = 2,500,000).
var suffixMultipliers = map[byte]int32{
	'k': 3,
	'm': 6,
	'b': 9,
	't': 12,
	'q': 15,
}

// RawFromHuman converts a human-scaled amount string into raw integer
// units by scaling with 10^decimals. Fractional raw units are truncated
// toward zero. The result is always a non-negative integer.
func RawFromHuman(human string, decimals int) (*big.Int, error) {
	if decimals < 0 {
		return nil, brokererr.Newf(brokererr.KindParameterValidation, "decimals must be >= 0, got %d", decimals)
	}
	parsed, err := ParseHuman(human)
	if err != nil {
		return nil, err
	}
	if parsed.Sign() < 0 {
		return nil, brokererr.Newf(brokererr.KindParameterValidation, "amount must be non-negative: %s", strings.TrimSpace(human))
	}
	raw := parsed.Shift(int32(decimals)).Truncate(0)
	return raw.BigInt(), nil
}

// ParseHuman parses a decimal string with an optional k/m/b/t/q suffix.
func ParseHuman(input string) (decimal.Decimal, error) {
	clean := strings.ToLower(strings.TrimSpace(input))
	if clean == "" {
		return decimal.Zero, brokererr.New(brokererr.KindParameterValidation, "empty amount")
	}
	var shift int32
	if mult, ok := suffixMultipliers[clean[len(clean)-1]]; ok {
		shift = mult
		clean = clean[:len(clean)-1]
	}
	value, err := decimal.NewFromString(clean)
	if err != nil {
		return decimal.Zero, brokererr.Newf(brokererr.KindParameterValidation, "invalid amount format: %s", strings.TrimSpace(input))
	}
	return value.Shift(shift), nil
}

// HumanFromRaw renders raw integer units as an exact decimal string with
// trailing zeros trimmed. It is the inverse of RawFromHuman for values
// with no truncated fraction.
func HumanFromRaw(raw *big.Int, decimals int) string {
	if raw == nil {
		return "0"
	}
	if decimals == 0 {
		return raw.String()
	}
	neg := raw.Sign() < 0
	s := new(big.Int).Abs(raw).String()
	if len(s) <= decimals {
		s = strings.Repeat("0", decimals-len(s)+1) + s
	}
	intPart := s[:len(s)-decimals]
	fracPart := strings.TrimRight(s[len(s)-decimals:], "0")
	out := intPart
	if fracPart != "" {
		out = intPart + "." + fracPart
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

// DisplaySigFig formats raw units for preview text: scaled to human form,
// truncated to sigFigs significant figures, with a k/m/b/t/q suffix for
// values of a thousand or more.
func DisplaySigFig(raw *big.Int, decimals, sigFigs int) string {
	if raw == nil || raw.Sign() == 0 {
		return "0"
	}
	if sigFigs < 1 {
		sigFigs = 1
	}
	value := decimal.NewFromBigInt(raw, -int32(decimals))
	neg := value.Sign() < 0
	value = value.Abs()

	suffix := ""
	for _, step := range []struct {
		tag   string
		shift int32
	}{{"q", 15}, {"t", 12}, {"b", 9}, {"m", 6}, {"k", 3}} {
		if value.GreaterThanOrEqual(decimal.New(1, step.shift)) {
			value = value.Shift(-step.shift)
			suffix = step.tag
			break
		}
	}

	var places int32
	if value.GreaterThanOrEqual(decimal.New(1, 0)) {
		digitsBefore := int32(len(value.Truncate(0).BigInt().String()))
		if p := int32(sigFigs) - digitsBefore; p > 0 {
			places = p
		}
	} else {
		// Count leading fraction zeros so sigFigs digits survive.
		exp := value.Exponent()
		frac := value.Coefficient().String()
		leadingZeros := int32(-exp) - int32(len(frac))
		if leadingZeros < 0 {
			leadingZeros = 0
		}
		places = leadingZeros + int32(sigFigs)
	}

	out := strings.TrimRight(strings.TrimRight(value.Truncate(places).StringFixed(places), "0"), ".")
	if out == "" {
		out = "0"
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out + suffix
}
