// Package billing computes metered charges and converts currency spending
// caps into concrete per-meter usage budgets. Spend caps are expressed in
// fixed-point currency units while settlement is metered, so the calculator
// translates a currency ceiling into a chargeable usage vector that the
// settlement charge can never exceed.
package billing

import (
	"MeterVault/internal/amount"
	xerrors "MeterVault/internal/errors"
)

// Meter identifies a billable usage dimension.
type Meter string

const (
	MeterLLMIn     Meter = "llm_in"
	MeterLLMOut    Meter = "llm_out"
	MeterHTTPCalls Meter = "http_calls"
	MeterRuntimeMS Meter = "runtime_ms"
)

// Meters lists every meter in its fixed declared order. Budget topping
// always picks the first meter in this order with a positive rate.
var Meters = []Meter{MeterLLMIn, MeterLLMOut, MeterHTTPCalls, MeterRuntimeMS}

var (
	// ErrNoPositiveRate indicates a rate card in which every meter rate is
	// zero, making a currency cap impossible to express as usage.
	ErrNoPositiveRate = xerrors.New(CodeNoPositiveRate, "rate card has no positive rate")
	// ErrChargeOverflow indicates a charge that does not fit in 64 bits.
	ErrChargeOverflow = xerrors.New(CodeChargeOverflow, "charge overflows")
	// ErrNegativeUsage indicates a usage vector with a negative meter amount.
	ErrNegativeUsage = xerrors.New(CodeNegativeUsage, "usage amounts must be non-negative")
)

const (
	CodeNoPositiveRate xerrors.Code = "BILLING_NO_POSITIVE_RATE"
	CodeChargeOverflow xerrors.Code = "BILLING_CHARGE_OVERFLOW"
	CodeNegativeUsage  xerrors.Code = "BILLING_NEGATIVE_USAGE"
)

func init() {
	xerrors.Register(CodeNoPositiveRate, xerrors.Attributes{
		Message:   "rate card has no positive rate",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeChargeOverflow, xerrors.Attributes{
		Message:   "charge overflows",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeNegativeUsage, xerrors.Attributes{
		Message:   "usage amounts must be non-negative",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
}

// Usage is a usage vector: non-negative integer amounts per meter.
type Usage struct {
	LLMIn     int64 `json:"llm_in"`
	LLMOut    int64 `json:"llm_out"`
	HTTPCalls int64 `json:"http_calls"`
	RuntimeMS int64 `json:"runtime_ms"`
}

// Rates is a rate card: fixed-point currency units charged per meter unit.
type Rates struct {
	LLMIn     int64 `json:"llm_in"`
	LLMOut    int64 `json:"llm_out"`
	HTTPCalls int64 `json:"http_calls"`
	RuntimeMS int64 `json:"runtime_ms"`
}

// Get returns the usage recorded for a meter.
func (u Usage) Get(m Meter) int64 {
	switch m {
	case MeterLLMIn:
		return u.LLMIn
	case MeterLLMOut:
		return u.LLMOut
	case MeterHTTPCalls:
		return u.HTTPCalls
	case MeterRuntimeMS:
		return u.RuntimeMS
	}
	return 0
}

// Add increases the usage recorded for a meter.
func (u *Usage) Add(m Meter, delta int64) {
	switch m {
	case MeterLLMIn:
		u.LLMIn += delta
	case MeterLLMOut:
		u.LLMOut += delta
	case MeterHTTPCalls:
		u.HTTPCalls += delta
	case MeterRuntimeMS:
		u.RuntimeMS += delta
	}
}

// NonNegative reports whether every meter amount is >= 0.
func (u Usage) NonNegative() bool {
	return u.LLMIn >= 0 && u.LLMOut >= 0 && u.HTTPCalls >= 0 && u.RuntimeMS >= 0
}

// Sparse returns the usage as a map holding only meters with positive values.
func (u Usage) Sparse() map[Meter]int64 {
	out := make(map[Meter]int64, len(Meters))
	for _, m := range Meters {
		if v := u.Get(m); v > 0 {
			out[m] = v
		}
	}
	return out
}

// Get returns the rate charged per unit of a meter.
func (r Rates) Get(m Meter) int64 {
	switch m {
	case MeterLLMIn:
		return r.LLMIn
	case MeterLLMOut:
		return r.LLMOut
	case MeterHTTPCalls:
		return r.HTTPCalls
	case MeterRuntimeMS:
		return r.RuntimeMS
	}
	return 0
}

// NonNegative reports whether every rate is >= 0.
func (r Rates) NonNegative() bool {
	return r.LLMIn >= 0 && r.LLMOut >= 0 && r.HTTPCalls >= 0 && r.RuntimeMS >= 0
}

// ChargeFor returns the fixed-point charge for running the given usage at the
// given rates. Both operands are integers, so the sum is exact.
func ChargeFor(usage Usage, rates Rates) (int64, error) {
	total := int64(0)
	for _, m := range Meters {
		rate, units := rates.Get(m), usage.Get(m)
		if rate != 0 && units > (1<<62)/rate {
			return 0, ErrChargeOverflow
		}
		part := rate * units
		if total > (1<<62)-part {
			return 0, ErrChargeOverflow
		}
		total += part
	}
	return total, nil
}

// BudgetFor converts a requested spending cap into a usage budget. The base
// usage is charged first; any remaining headroom below the cap is absorbed by
// the first meter in declared order with a positive rate, rounding the extra
// units up so the budget never under-covers the cap. The resulting charge may
// overshoot the cap by at most one unit of the chosen meter's rate.
func BudgetFor(capUnits int64, base Usage, rates Rates) (Usage, error) {
	if !base.NonNegative() {
		return Usage{}, ErrNegativeUsage
	}
	baseCharge, err := ChargeFor(base, rates)
	if err != nil {
		return Usage{}, err
	}
	if baseCharge >= capUnits {
		return base, nil
	}

	for _, m := range Meters {
		rate := rates.Get(m)
		if rate <= 0 {
			continue
		}
		extra, err := amount.CeilDiv(capUnits-baseCharge, rate)
		if err != nil {
			return Usage{}, err
		}
		budget := base
		budget.Add(m, extra)
		return budget, nil
	}
	return Usage{}, ErrNoPositiveRate
}
