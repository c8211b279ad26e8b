package token

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/chain"
	brokererr "github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/errors"
	"github.com/PlasticDigits/TidalDex-Telegram-BrokerBot/internal/logging"
)

// Info is the resolved identity of a token reference.
type Info struct {
	Address  common.Address
	Symbol   string
	Decimals int
	Native   bool
}

// RefContext carries the parameter values a positional or named token
// reference resolves against.
type RefContext struct {
	Params map[string]any
}

var pathRefPattern = regexp.MustCompile(`^path\[(-1|\d+)\]$`)

// Resolver turns token references into addresses plus cached metadata.
type Resolver struct {
	client       chain.Client
	cache        *Cache
	nativeSymbol string
}

func NewResolver(client chain.Client, cache *Cache, nativeSymbol string) *Resolver {
	return &Resolver{client: client, cache: cache, nativeSymbol: strings.ToUpper(nativeSymbol)}
}

// ResolveRef turns a reference (native alias, literal address, path
// index, or parameter name) into an address string without touching the
// network. The second return is true for the native currency.
func (r *Resolver) ResolveRef(reference string, rc RefContext) (string, bool, error) {
	ref := strings.TrimSpace(reference)
	if ref == "" {
		return "", false, brokererr.New(brokererr.KindUnknownToken, "empty token reference")
	}
	if strings.EqualFold(ref, r.nativeSymbol) {
		return r.nativeSymbol, true, nil
	}
	if common.IsHexAddress(ref) {
		return common.HexToAddress(ref).Hex(), false, nil
	}
	if m := pathRefPattern.FindStringSubmatch(ref); m != nil {
		addr, err := pathElement(rc.Params, m[1])
		if err != nil {
			return "", false, err
		}
		return addr, false, nil
	}
	if rc.Params != nil {
		if v, ok := rc.Params[ref]; ok {
			s := addressString(v)
			if strings.EqualFold(s, r.nativeSymbol) {
				return r.nativeSymbol, true, nil
			}
			if common.IsHexAddress(s) {
				return common.HexToAddress(s).Hex(), false, nil
			}
		}
	}
	return "", false, brokererr.Newf(brokererr.KindUnknownToken, "cannot resolve token reference %q", ref)
}

// Resolve returns address, decimals and symbol for a token reference.
// allowDefault permits falling back to 18 decimals when the metadata
// fetch fails; call sites that scale amounts must not allow it.
func (r *Resolver) Resolve(ctx context.Context, reference string, rc RefContext, allowDefault bool) (Info, error) {
	addr, native, err := r.ResolveRef(reference, rc)
	if err != nil {
		return Info{}, err
	}
	if native {
		return Info{Symbol: r.nativeSymbol, Decimals: 18, Native: true}, nil
	}
	address := common.HexToAddress(addr)

	if r.cache != nil {
		cached, hit, cacheErr := r.cache.get(address.Hex())
		if cacheErr != nil {
			logging.Warn("token cache read failed", zap.Error(cacheErr))
		} else if hit {
			return Info{Address: address, Symbol: cached.Symbol, Decimals: cached.Decimals}, nil
		}
	}

	symbol, decimals, err := r.client.TokenMetadata(ctx, address)
	if err != nil {
		if allowDefault {
			logging.Warn("token metadata fetch failed, using defaults",
				zap.String("token", address.Hex()), zap.Error(err))
			return Info{Address: address, Symbol: "UNKNOWN", Decimals: 18}, nil
		}
		return Info{}, brokererr.Wrap(brokererr.KindMetadataFetch, "token metadata lookup failed", err)
	}

	info := Info{Address: address, Symbol: symbol, Decimals: int(decimals)}
	if r.cache != nil {
		if cacheErr := r.cache.put(address.Hex(), cachedInfo{Symbol: symbol, Decimals: info.Decimals}); cacheErr != nil {
			logging.Warn("token cache write failed", zap.Error(cacheErr))
		}
	}
	return info, nil
}

func pathElement(params map[string]any, index string) (string, error) {
	raw, ok := params["path"]
	if !ok {
		return "", brokererr.Param("path", "path parameter is required for positional token references")
	}
	elems, err := PathAddresses(raw)
	if err != nil {
		return "", err
	}
	if len(elems) == 0 {
		return "", brokererr.Param("path", "path must not be empty")
	}
	if index == "-1" {
		return elems[len(elems)-1], nil
	}
	i, convErr := strconv.Atoi(index)
	if convErr != nil || i < 0 || i >= len(elems) {
		return "", brokererr.Param("path", "path index out of range")
	}
	return elems[i], nil
}

// PathAddresses normalizes a path parameter (string slice, any slice, or
// address slice) into checksummed address strings.
func PathAddresses(raw any) ([]string, error) {
	var items []string
	switch v := raw.(type) {
	case []string:
		items = v
	case []any:
		for _, e := range v {
			items = append(items, addressString(e))
		}
	case []common.Address:
		for _, a := range v {
			items = append(items, a.Hex())
		}
	default:
		return nil, brokererr.Param("path", "path must be a list of token addresses")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if !common.IsHexAddress(strings.TrimSpace(item)) {
			return nil, brokererr.Param("path", "path contains an invalid address")
		}
		out = append(out, common.HexToAddress(strings.TrimSpace(item)).Hex())
	}
	return out, nil
}

func addressString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case common.Address:
		return s.Hex()
	default:
		return ""
	}
}
