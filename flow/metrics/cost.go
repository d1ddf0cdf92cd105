package metrics

import "sync"

// modelPricing is static USD-per-1000-tokens pricing, grounded on the
// teacher's graph/cost.go static pricing tables.
var modelPricing = map[string]struct{ InputPer1K, OutputPer1K float64 }{
	"claude-opus-4":     {InputPer1K: 0.015, OutputPer1K: 0.075},
	"claude-sonnet-4":   {InputPer1K: 0.003, OutputPer1K: 0.015},
	"gpt-4o":            {InputPer1K: 0.0025, OutputPer1K: 0.01},
	"gpt-4o-mini":       {InputPer1K: 0.00015, OutputPer1K: 0.0006},
	"gemini-1.5-pro":    {InputPer1K: 0.00125, OutputPer1K: 0.005},
	"gemini-1.5-flash":  {InputPer1K: 0.000075, OutputPer1K: 0.0003},
}

// CostTracker attributes LLM token usage to dollar cost per execution.
type CostTracker struct {
	mu             sync.Mutex
	executionID    string
	currency       string
	totalCost      float64
	costByModel    map[string]float64
}

// NewCostTracker returns a tracker scoped to one execution.
func NewCostTracker(executionID, currency string) *CostTracker {
	return &CostTracker{executionID: executionID, currency: currency, costByModel: make(map[string]float64)}
}

// Record attributes inputTokens/outputTokens spent on model to cost.
func (t *CostTracker) Record(model string, inputTokens, outputTokens int) float64 {
	pricing, ok := modelPricing[model]
	if !ok {
		return 0
	}
	cost := (float64(inputTokens)/1000)*pricing.InputPer1K + (float64(outputTokens)/1000)*pricing.OutputPer1K

	t.mu.Lock()
	defer t.mu.Unlock()
	t.totalCost += cost
	t.costByModel[model] += cost
	return cost
}

// GetTotalCost returns the cumulative cost recorded so far.
func (t *CostTracker) GetTotalCost() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.totalCost
}

// GetCostByModel returns a copy of the per-model cost breakdown.
func (t *CostTracker) GetCostByModel() map[string]float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := make(map[string]float64, len(t.costByModel))
	for k, v := range t.costByModel {
		cp[k] = v
	}
	return cp
}
