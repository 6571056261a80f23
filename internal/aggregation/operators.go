package aggregation

import (
	"github.com/shopspring/decimal"
)

// Reduce operators available to accumulators.
const (
	OpCount = "count"
	OpSum   = "sum"
	OpMin   = "min"
	OpMax   = "max"
)

// Operator defines how one measurement folds into a running value.
type Operator interface {
	// Initial returns the value after the first observation.
	// count → 1; sum/min/max → the incoming value itself.
	Initial(incoming decimal.Decimal) decimal.Decimal

	// Apply folds an incoming value into an existing one.
	Apply(current, incoming decimal.Decimal) decimal.Decimal
}

// Operators is the registry of supported reduce operators.
var Operators = map[string]Operator{
	OpCount: countOp{},
	OpSum:   sumOp{},
	OpMin:   minOp{},
	OpMax:   maxOp{},
}

// ValidOperator reports whether op is registered.
func ValidOperator(op string) bool {
	_, ok := Operators[op]
	return ok
}

type countOp struct{}

func (countOp) Initial(_ decimal.Decimal) decimal.Decimal    { return decimal.NewFromInt(1) }
func (countOp) Apply(cur, _ decimal.Decimal) decimal.Decimal { return cur.Add(decimal.NewFromInt(1)) }

type sumOp struct{}

func (sumOp) Initial(v decimal.Decimal) decimal.Decimal      { return v }
func (sumOp) Apply(cur, inc decimal.Decimal) decimal.Decimal { return cur.Add(inc) }

type minOp struct{}

func (minOp) Initial(v decimal.Decimal) decimal.Decimal { return v }
func (minOp) Apply(cur, inc decimal.Decimal) decimal.Decimal {
	if inc.LessThan(cur) {
		return inc
	}
	return cur
}

type maxOp struct{}

func (maxOp) Initial(v decimal.Decimal) decimal.Decimal { return v }
func (maxOp) Apply(cur, inc decimal.Decimal) decimal.Decimal {
	if inc.GreaterThan(cur) {
		return inc
	}
	return cur
}

// Measure keeps count, sum, min and max of one numeric field. The zero value
// is empty and ready to use.
type Measure struct {
	Samples int64           `json:"samples"`
	Sum     decimal.Decimal `json:"sum"`
	Min     decimal.Decimal `json:"min"`
	Max     decimal.Decimal `json:"max"`
}

// Observe folds v into the measure.
func (m *Measure) Observe(v decimal.Decimal) {
	if m.Samples == 0 {
		m.Sum = Operators[OpSum].Initial(v)
		m.Min = Operators[OpMin].Initial(v)
		m.Max = Operators[OpMax].Initial(v)
		m.Samples = 1
		return
	}
	m.Sum = Operators[OpSum].Apply(m.Sum, v)
	m.Min = Operators[OpMin].Apply(m.Min, v)
	m.Max = Operators[OpMax].Apply(m.Max, v)
	m.Samples++
}

// Merge folds another measure into m.
func (m *Measure) Merge(o Measure) {
	if o.Samples == 0 {
		return
	}
	if m.Samples == 0 {
		*m = o
		return
	}
	m.Sum = Operators[OpSum].Apply(m.Sum, o.Sum)
	m.Min = Operators[OpMin].Apply(m.Min, o.Min)
	m.Max = Operators[OpMax].Apply(m.Max, o.Max)
	m.Samples += o.Samples
}

func decimalInt(n int) decimal.Decimal { return decimal.NewFromInt(int64(n)) }

// Mean returns Sum/Samples rounded to two places, or zero when empty.
func (m Measure) Mean() decimal.Decimal {
	if m.Samples == 0 {
		return decimal.Zero
	}
	return m.Sum.DivRound(decimal.NewFromInt(m.Samples), 2)
}
