package cost

import (
	"errors"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"
	"github.com/upb/fitchat-gateway/services/providers"
)

// ErrPriceNotFound is returned when no rate is configured for a provider/model
var ErrPriceNotFound = errors.New("price not found")

// wildcardModel matches any model of a provider
const wildcardModel = "*"

var perMillion = decimal.NewFromInt(1_000_000)

// CostScale is the number of fractional digits a cost keeps; the ledger
// column stores exactly this many
const CostScale = 18

// Price holds per-token rates
type Price struct {
	InputRate  decimal.Decimal
	OutputRate decimal.Decimal
}

// PricePerMillion builds a Price from the per-million-token rates vendors publish
func PricePerMillion(input, output float64) Price {
	return Price{
		InputRate:  decimal.NewFromFloat(input).Div(perMillion),
		OutputRate: decimal.NewFromFloat(output).Div(perMillion),
	}
}

// Cost computes prompt*input + completion*output, rounded to CostScale
func (p Price) Cost(usage providers.Usage) decimal.Decimal {
	in := p.InputRate.Mul(decimal.NewFromInt(int64(usage.PromptTokens)))
	out := p.OutputRate.Mul(decimal.NewFromInt(int64(usage.CompletionTokens)))
	return in.Add(out).Round(CostScale)
}

// PriceTable maps provider/model pairs to rates. A "provider/*" entry covers
// every model of that provider not listed explicitly.
type PriceTable struct {
	mu     sync.RWMutex
	prices map[string]Price
}

// NewPriceTable creates an empty price table
func NewPriceTable() *PriceTable {
	return &PriceTable{prices: make(map[string]Price)}
}

// Set registers the price for provider and model; model may be "*"
func (t *PriceTable) Set(provider, model string, price Price) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.prices[priceKey(provider, model)] = price
}

// Lookup returns the price for provider and model
func (t *PriceTable) Lookup(provider, model string) (Price, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if p, ok := t.prices[priceKey(provider, model)]; ok {
		return p, nil
	}
	if p, ok := t.prices[priceKey(provider, wildcardModel)]; ok {
		return p, nil
	}
	return Price{}, fmt.Errorf("%w: %s/%s", ErrPriceNotFound, provider, model)
}

// Len returns the number of entries
func (t *PriceTable) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.prices)
}

func priceKey(provider, model string) string {
	return provider + "/" + model
}
