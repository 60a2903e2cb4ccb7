package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"CDPLedger/internal/event"
	"CDPLedger/internal/num"
)

// poolYAML is one pool definition in the bootstrap file. Amounts are
// decimal literals in natural units; the per-second fee rate is a RAY
// decimal (e.g. "1.000000001547125957863212448" for ~5%/year).
type poolYAML struct {
	ID                     string `yaml:"id"`
	DebtCeiling            string `yaml:"debt_ceiling"`
	DebtFloor              string `yaml:"debt_floor"`
	StabilityFeeRate       string `yaml:"stability_fee_rate"`
	CloseFactorBps         uint64 `yaml:"close_factor_bps"`
	LiquidatorIncentiveBps uint64 `yaml:"liquidator_incentive_bps"`
	TreasuryFeeBps         uint64 `yaml:"treasury_fee_bps"`
	PriceMaxAge            int64  `yaml:"price_max_age"`
}

type poolsFileYAML struct {
	Pools []poolYAML `yaml:"pools"`
}

// LoadPools parses the pool bootstrap file into PoolCreate operations. The
// operations are idempotent (keyed pool:<id>:create), so re-seeding on
// every start is harmless.
func LoadPools(path string, now int64) ([]*event.PoolCreate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pools file: %w", err)
	}

	var f poolsFileYAML
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse pools file: %w", err)
	}

	ops := make([]*event.PoolCreate, 0, len(f.Pools))
	for i, p := range f.Pools {
		if p.ID == "" {
			return nil, fmt.Errorf("pool %d: missing id", i)
		}

		ceiling, err := num.FromDecimal(p.DebtCeiling, num.RadDecimals)
		if err != nil {
			return nil, fmt.Errorf("pool %s: debt_ceiling: %w", p.ID, err)
		}
		floor, err := num.FromDecimal(p.DebtFloor, num.RadDecimals)
		if err != nil {
			return nil, fmt.Errorf("pool %s: debt_floor: %w", p.ID, err)
		}
		rate, err := num.FromDecimal(p.StabilityFeeRate, num.RayDecimals)
		if err != nil {
			return nil, fmt.Errorf("pool %s: stability_fee_rate: %w", p.ID, err)
		}

		ops = append(ops, &event.PoolCreate{
			Pool: p.ID,
			Params: event.PoolParamsPayload{
				DebtCeiling:            ceiling,
				DebtFloor:              floor,
				StabilityFeeRate:       rate,
				CloseFactorBps:         p.CloseFactorBps,
				LiquidatorIncentiveBps: p.LiquidatorIncentiveBps,
				TreasuryFeeBps:         p.TreasuryFeeBps,
				PriceMaxAge:            p.PriceMaxAge,
			},
			Sequence:  0,
			Timestamp: now,
		})
	}

	return ops, nil
}
