package telemetry

import (
	"fmt"
	"iter"
	"math"

	"taskplane/internal/env"
)

// DefaultFields are aggregated when a request names none.
var DefaultFields = []string{env.FieldCPU, env.FieldRAM}

// AggregateRequest selects the fields and samples to aggregate.
type AggregateRequest struct {
	Fields []string `json:"fields,omitempty"`
	Filter Filter   `json:"filter"`
}

// Stats holds the statistics of one field, each formatted with three decimals.
type Stats struct {
	Max string `json:"max"`
	Min string `json:"min"`
	Avg string `json:"avg"`
	Cnt string `json:"cnt"`
	Std string `json:"std"`
}

// Aggregated maps field names to their statistics.
type Aggregated map[string]Stats

type accumulator struct {
	max, min, sum float64
	values        []float64
}

func newAccumulator() *accumulator {
	return &accumulator{max: math.Inf(-1), min: math.Inf(1)}
}

func (a *accumulator) add(v float64) {
	a.max = math.Max(a.max, v)
	a.min = math.Min(a.min, v)
	a.sum += v
	a.values = append(a.values, v)
}

func (a *accumulator) stats() Stats {
	n := len(a.values)
	if n == 0 {
		zero := format(0)
		return Stats{Max: zero, Min: zero, Avg: zero, Cnt: zero, Std: zero}
	}
	avg := a.sum / float64(n)
	var sq float64
	for _, v := range a.values {
		sq += (v - avg) * (v - avg)
	}
	return Stats{
		Max: format(a.max),
		Min: format(a.min),
		Avg: format(avg),
		Cnt: format(float64(n)),
		Std: format(math.Sqrt(sq / float64(n))),
	}
}

func format(v float64) string {
	return fmt.Sprintf("%.3f", v)
}

// Aggregator accumulates metric samples field by field.
type Aggregator struct {
	fields []string
	acc    map[string]*accumulator
}

// NewAggregator returns an aggregator for fields, or DefaultFields when empty.
func NewAggregator(fields []string) *Aggregator {
	if len(fields) == 0 {
		fields = DefaultFields
	}
	acc := make(map[string]*accumulator, len(fields))
	for _, f := range fields {
		acc[f] = newAccumulator()
	}
	return &Aggregator{fields: fields, acc: acc}
}

// Add feeds one value of a field. Fields that were not requested are ignored.
func (a *Aggregator) Add(field string, v float64) {
	if acc, ok := a.acc[field]; ok {
		acc.add(v)
	}
}

// AddEntry feeds every numeric field of a sample.
func (a *Aggregator) AddEntry(e env.MetricEntry) {
	for field, v := range e.Fields() {
		a.Add(field, v)
	}
}

// Result returns the statistics of every requested field.
func (a *Aggregator) Result() Aggregated {
	out := make(Aggregated, len(a.fields))
	for _, f := range a.fields {
		out[f] = a.acc[f].stats()
	}
	return out
}

// Aggregate runs an Aggregator over the matching samples of seq.
func Aggregate(seq iter.Seq2[env.MetricEntry, error], req AggregateRequest) (Aggregated, error) {
	match := req.Filter.MetricMatcher()
	agg := NewAggregator(req.Fields)
	for entry, err := range seq {
		if err != nil {
			return nil, err
		}
		if match(entry) {
			agg.AddEntry(entry)
		}
	}
	return agg.Result(), nil
}
