package governor

import (
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// ModelCost prices one model in micro-USD per 1000 tokens.
type ModelCost struct {
	InputPer1K  int64 `toml:"input_per_1k"`
	OutputPer1K int64 `toml:"output_per_1k"`
}

// CostTable maps model ids to prices. Unknown models are charged at
// the most expensive known rate so a typo can only overcount.
type CostTable map[string]ModelCost

type costFile struct {
	Models CostTable `toml:"models"`
}

// DefaultCostTable prices the models the pipeline ships configured
// with. Operators override it with a TOML file.
func DefaultCostTable() CostTable {
	return CostTable{
		"claude-3-5-haiku-latest": {InputPer1K: 800, OutputPer1K: 4000},
		"claude-sonnet-4-5":       {InputPer1K: 3000, OutputPer1K: 15000},
		"text-embedding-3-small":  {InputPer1K: 20, OutputPer1K: 0},
		"whisper-1":               {InputPer1K: 6000, OutputPer1K: 0},
	}
}

// LoadCostTable reads a TOML cost table. Example:
//
//	[models."claude-3-5-haiku-latest"]
//	input_per_1k = 800
//	output_per_1k = 4000
func LoadCostTable(path string) (CostTable, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read cost table: %w", err)
	}
	var cf costFile
	if err := toml.Unmarshal(raw, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse cost table: %w", err)
	}
	if len(cf.Models) == 0 {
		return nil, fmt.Errorf("cost table %s defines no models", path)
	}
	for model, c := range cf.Models {
		if c.InputPer1K < 0 || c.OutputPer1K < 0 {
			return nil, fmt.Errorf("cost table: negative price for %s", model)
		}
	}
	return cf.Models, nil
}

// mostExpensive returns the priciest entry, used for unknown models.
func (t CostTable) mostExpensive() ModelCost {
	var max ModelCost
	for _, c := range t {
		if c.InputPer1K+c.OutputPer1K > max.InputPer1K+max.OutputPer1K {
			max = c
		}
	}
	return max
}

// Cost computes the micro-USD price of a call. The second return is
// false when the model was unknown and the fallback rate was used.
func (t CostTable) Cost(model string, inputTokens, outputTokens int64) (int64, bool) {
	c, ok := t[model]
	if !ok {
		c = t.mostExpensive()
	}
	cost := (inputTokens*c.InputPer1K + outputTokens*c.OutputPer1K) / 1000
	return cost, ok
}
