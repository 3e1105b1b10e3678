package plan

import (
	"github.com/metalagman/planrun/internal/config"
	"github.com/metalagman/planrun/internal/model"
)

// ApplyDefaults fills zero or absent budget fields from the system defaults and
// normalizes an empty mode and output contract type.
func ApplyDefaults(p *model.Plan, d config.Budgets) {
	if p.Mode == "" {
		p.Mode = model.ModeMulti
	}
	if p.OutputContract.Type == "" {
		if len(p.OutputContract.Schema) > 0 {
			p.OutputContract.Type = model.OutputJSON
		} else {
			p.OutputContract.Type = model.OutputText
		}
	}

	b := &p.Budget
	if b.MaxSteps == 0 {
		b.MaxSteps = d.MaxSteps
	}
	if b.MaxToolCalls == nil {
		b.MaxToolCalls = model.Limit(d.MaxToolCalls)
	}
	if b.MaxLatencyMS == 0 {
		b.MaxLatencyMS = d.MaxLatencyMS
	}
	if b.MaxCostEstimate == 0 {
		b.MaxCostEstimate = d.MaxCostEstimate
	}
	if b.MaxModelUpgrades == nil {
		b.MaxModelUpgrades = model.Limit(d.MaxModelUpgrades)
	}
}
