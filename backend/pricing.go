package backend

import "strings"

// modelPricing holds USD cost per million tokens.
type modelPricing struct {
	inputPerMTok  float64
	outputPerMTok float64
}

// pricingTable covers the models the CLI is commonly pointed at. Matching is
// by prefix so dated model ids resolve to their family.
var pricingTable = map[string]modelPricing{
	"claude-opus":    {15.0, 75.0},
	"claude-sonnet":  {3.0, 15.0},
	"claude-haiku":   {0.80, 4.0},
	"gpt-4o":         {2.50, 10.0},
	"gpt-4o-mini":    {0.15, 0.60},
	"gpt-4.1":        {2.0, 8.0},
	"o3":             {2.0, 8.0},
	"gemini-2.5-pro": {1.25, 10.0},
}

// CostUSD estimates the dollar cost of a response. Unknown models cost zero.
func CostUSD(model string, usage Usage) float64 {
	var best string
	for prefix := range pricingTable {
		if strings.HasPrefix(model, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return 0
	}
	p := pricingTable[best]
	return float64(usage.InputTokens)/1e6*p.inputPerMTok +
		float64(usage.OutputTokens)/1e6*p.outputPerMTok
}
