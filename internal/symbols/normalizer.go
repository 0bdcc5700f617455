package symbols

import (
	"sort"
	"strings"
)

// DefaultQuote is the exchange quote currency appended to bare symbols.
const DefaultQuote = "USDT"

var defaultPairs = map[string]string{
	"BTC":  "BTCUSDT",
	"ETH":  "ETHUSDT",
	"BNB":  "BNBUSDT",
	"SOL":  "SOLUSDT",
	"XRP":  "XRPUSDT",
	"DOGE": "DOGEUSDT",
	"ADA":  "ADAUSDT",
	"SHIB": "SHIBUSDT",
	"USDC": "USDCUSDT",
	"SUI":  "SUIUSDT",
	"PEPE": "PEPEUSDT",
	"TRX":  "TRXUSDT",
	"LINK": "LINKUSDT",
	"LTC":  "LTCUSDT",
	"POL":  "POLYUSDT",
	"BCH":  "BCHUSDT",
	"DOT":  "DOTUSDT",
	"AVAX": "AVAXUSDT",
	"UNI":  "UNIUSDT",
	"XLM":  "XLMUSDT",
}

var defaultNames = map[string]string{
	"BTCUSDT":  "Bitcoin",
	"ETHUSDT":  "Ethereum",
	"BNBUSDT":  "BNB",
	"SOLUSDT":  "Solana",
	"XRPUSDT":  "XRP",
	"DOGEUSDT": "Dogecoin",
	"ADAUSDT":  "Cardano",
	"SHIBUSDT": "Shiba Inu",
	"USDCUSDT": "USD Coin",
	"SUIUSDT":  "Sui",
	"PEPEUSDT": "Pepe",
}

// Options extend the built-in lookup tables.
type Options struct {
	Quote      string
	ExtraPairs map[string]string
	Names      map[string]string
}

// Normalizer maps between bare asset symbols and exchange trading pairs.
// It is immutable after construction and safe for concurrent use.
type Normalizer struct {
	quote string
	pairs map[string]string
	names map[string]string
}

// New builds a Normalizer from the default tables plus opts.
func New(opts Options) *Normalizer {
	quote := strings.ToUpper(strings.TrimSpace(opts.Quote))
	if quote == "" {
		quote = DefaultQuote
	}

	pairs := make(map[string]string, len(defaultPairs)+len(opts.ExtraPairs))
	for base, pair := range defaultPairs {
		pairs[base] = pair
	}
	for base, pair := range opts.ExtraPairs {
		pairs[strings.ToUpper(base)] = strings.ToUpper(pair)
	}

	names := make(map[string]string, len(defaultNames)+len(opts.Names))
	for pair, name := range defaultNames {
		names[pair] = name
	}
	for pair, name := range opts.Names {
		names[strings.ToUpper(pair)] = name
	}

	return &Normalizer{quote: quote, pairs: pairs, names: names}
}

// Default returns a Normalizer with the built-in tables and USDT quote.
func Default() *Normalizer {
	return New(Options{})
}

// Quote returns the configured quote suffix.
func (n *Normalizer) Quote() string {
	return n.quote
}

// ToTradeable converts a bare symbol to its trading pair. Symbols already
// carrying the quote suffix are returned unchanged.
func (n *Normalizer) ToTradeable(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasSuffix(symbol, n.quote) {
		return symbol
	}
	if pair, ok := n.pairs[symbol]; ok {
		return pair
	}
	return symbol + n.quote
}

// ToBase strips the quote suffix from a trading pair.
func (n *Normalizer) ToBase(pair string) string {
	pair = strings.ToUpper(strings.TrimSpace(pair))
	if strings.HasSuffix(pair, n.quote) && len(pair) > len(n.quote) {
		return strings.TrimSuffix(pair, n.quote)
	}
	return pair
}

// Same reports whether a feed symbol refers to the same asset as a stored
// rule symbol. Either side may be in bare or pair form.
func (n *Normalizer) Same(sampleSymbol, ruleSymbol string) bool {
	ruleSymbol = strings.ToUpper(strings.TrimSpace(ruleSymbol))
	if n.ToTradeable(sampleSymbol) == n.ToTradeable(ruleSymbol) {
		return true
	}
	return n.ToBase(sampleSymbol) == ruleSymbol
}

// DisplayName returns a human readable asset name, falling back to the bare symbol.
func (n *Normalizer) DisplayName(symbol string) string {
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	if name, ok := n.names[symbol]; ok {
		return name
	}
	if name, ok := n.names[n.ToTradeable(symbol)]; ok {
		return name
	}
	return n.ToBase(symbol)
}

// Pairs returns every known trading pair, sorted.
func (n *Normalizer) Pairs() []string {
	seen := make(map[string]struct{}, len(n.pairs))
	out := make([]string, 0, len(n.pairs))
	for _, pair := range n.pairs {
		if _, ok := seen[pair]; ok {
			continue
		}
		seen[pair] = struct{}{}
		out = append(out, pair)
	}
	sort.Strings(out)
	return out
}
