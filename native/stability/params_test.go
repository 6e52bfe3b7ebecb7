package stability

import (
	"testing"
	"time"
)

func TestNormaliseAppliesDefaults(t *testing.T) {
	cfg := PolicyParams{}.Normalise()
	if cfg.TargetPrice != DefaultTargetPrice {
		t.Fatalf("target price default: got %v", cfg.TargetPrice)
	}
	if cfg.DampingBps != DefaultDampingBps {
		t.Fatalf("damping default: got %d", cfg.DampingBps)
	}
	if cfg.MaxSupplyChangeBps != DefaultMaxSupplyChangeBps {
		t.Fatalf("max change default: got %d", cfg.MaxSupplyChangeBps)
	}
	if cfg.RebalanceInterval != DefaultRebalanceInterval {
		t.Fatalf("interval default: got %s", cfg.RebalanceInterval)
	}
	if cfg.LookbackWindow != DefaultLookbackWindow {
		t.Fatalf("window default: got %s", cfg.LookbackWindow)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("defaults must validate: %v", err)
	}
}

func TestValidateRejectsOutOfDomain(t *testing.T) {
	base := PolicyParams{}.Normalise()
	cases := []struct {
		name   string
		mutate func(*PolicyParams)
	}{
		{"zero target", func(p *PolicyParams) { p.TargetPrice = 0 }},
		{"negative target", func(p *PolicyParams) { p.TargetPrice = -1 }},
		{"tolerance at denominator", func(p *PolicyParams) { p.ToleranceBandBps = bpsDenom }},
		{"reserve ratio above denominator", func(p *PolicyParams) { p.ReserveRatioBps = bpsDenom + 1 }},
		{"max change above denominator", func(p *PolicyParams) { p.MaxSupplyChangeBps = bpsDenom + 1 }},
		{"zero damping", func(p *PolicyParams) { p.DampingBps = 0 }},
		{"damping above denominator", func(p *PolicyParams) { p.DampingBps = bpsDenom + 1 }},
		{"zero interval", func(p *PolicyParams) { p.RebalanceInterval = 0 }},
		{"zero window", func(p *PolicyParams) { p.LookbackWindow = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := base
			tc.mutate(&cfg)
			if err := cfg.Validate(); err == nil {
				t.Fatalf("expected validation failure")
			}
		})
	}
}

func TestApplyMergesPartialUpdate(t *testing.T) {
	base := PolicyParams{}.Normalise()
	target := 1.25
	tolerance := uint64(250)
	merged, err := base.Apply(PolicyUpdate{TargetPrice: &target, ToleranceBandBps: &tolerance})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if merged.TargetPrice != target || merged.ToleranceBandBps != tolerance {
		t.Fatalf("supplied fields not applied: %+v", merged)
	}
	if merged.DampingBps != base.DampingBps || merged.RebalanceInterval != base.RebalanceInterval {
		t.Fatalf("omitted fields must keep current values: %+v", merged)
	}
}

func TestApplyRejectsWholeUpdateOnInvalidField(t *testing.T) {
	base := PolicyParams{}.Normalise()
	target := 1.5
	badInterval := -time.Minute
	merged, err := base.Apply(PolicyUpdate{TargetPrice: &target, RebalanceInterval: &badInterval})
	if err == nil {
		t.Fatalf("expected rejection")
	}
	if merged != base {
		t.Fatalf("receiver must be unchanged on error: %+v", merged)
	}
}
