package budget

import (
	"errors"
	"math"
	"testing"
)

func f64(v float64) *float64 { return &v }
func i64(v int64) *int64     { return &v }

func TestValidate(t *testing.T) {
	if err := (Config{MaxCost: f64(-1)}).Validate(); err == nil {
		t.Fatal("negative max_cost accepted")
	}
	if err := (Config{MaxCost: f64(5), AutoApproveCeiling: f64(10)}).Validate(); err == nil {
		t.Fatal("ceiling above max_cost accepted")
	}
	if err := (Config{MaxCost: f64(10), MaxTokens: i64(1000), AutoApproveCeiling: f64(2)}).Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
}

func TestMonitorSpendCostCeiling(t *testing.T) {
	m := NewMonitor(FromMax(1.0))
	if err := m.Spend(0.6, 100); err != nil {
		t.Fatalf("spend within budget: %v", err)
	}
	err := m.Spend(0.5, 100)
	var exceeded ErrExceeded
	if !errors.As(err, &exceeded) || exceeded.Kind != "cost" {
		t.Fatalf("expected cost ErrExceeded, got %v", err)
	}
	if m.Remaining() != 0 {
		t.Fatalf("remaining = %v after overspend", m.Remaining())
	}
}

func TestMonitorSpendTokenCeiling(t *testing.T) {
	m := NewMonitor(Config{MaxTokens: i64(150)})
	if err := m.Spend(0, 100); err != nil {
		t.Fatalf("spend within budget: %v", err)
	}
	err := m.Spend(0, 100)
	var exceeded ErrExceeded
	if !errors.As(err, &exceeded) || exceeded.Kind != "tokens" {
		t.Fatalf("expected token ErrExceeded, got %v", err)
	}
}

func TestMonitorCanAfford(t *testing.T) {
	m := NewMonitor(FromMax(2.0))
	if !m.CanAfford(2.0) {
		t.Fatal("exact fit should be affordable")
	}
	if err := m.Spend(1.5, 0); err != nil {
		t.Fatalf("spend: %v", err)
	}
	if m.CanAfford(0.6) {
		t.Fatal("over-ceiling task reported affordable")
	}
	if !m.CanAfford(0.5) {
		t.Fatal("in-budget task reported unaffordable")
	}
}

func TestMonitorUnbounded(t *testing.T) {
	m := NewMonitor(Config{})
	if !m.CanAfford(1e9) {
		t.Fatal("unbounded monitor should afford anything")
	}
	if !math.IsInf(m.Remaining(), 1) {
		t.Fatalf("remaining = %v, want +Inf", m.Remaining())
	}
	if err := m.Spend(1e6, 1e9); err != nil {
		t.Fatalf("unbounded spend errored: %v", err)
	}
}

func TestRequiresApproval(t *testing.T) {
	cfg := Config{AutoApproveCeiling: f64(1.0)}
	if RequiresApproval(cfg, 0.5) {
		t.Fatal("below-ceiling cost should auto-approve")
	}
	if !RequiresApproval(cfg, 1.5) {
		t.Fatal("above-ceiling cost must require approval")
	}
	if RequiresApproval(Config{}, 100) {
		t.Fatal("no ceiling means no approval gate")
	}
}
