package telemetry

import (
	"regexp"
	"time"

	"taskplane/internal/env"
)

// Filter narrows a search. Bounds are inclusive; Pattern is a regular expression matched
// against log content and ignored for metrics.
type Filter struct {
	From    *time.Time `json:"from,omitempty"`
	To      *time.Time `json:"to,omitempty"`
	Pattern string     `json:"pattern,omitempty"`
}

func (f Filter) timePredicates() []func(time.Time) bool {
	var preds []func(time.Time) bool
	if f.From != nil {
		from := *f.From
		preds = append(preds, func(t time.Time) bool { return !t.Before(from) })
	}
	if f.To != nil {
		to := *f.To
		preds = append(preds, func(t time.Time) bool { return !t.After(to) })
	}
	return preds
}

// LogMatcher compiles the filter for log entries.
func (f Filter) LogMatcher() (func(env.LogEntry) bool, error) {
	var preds []func(env.LogEntry) bool
	for _, p := range f.timePredicates() {
		preds = append(preds, func(e env.LogEntry) bool { return p(e.Time) })
	}
	if f.Pattern != "" {
		re, err := regexp.Compile(f.Pattern)
		if err != nil {
			return nil, env.Misconfigured("pattern", "%v", err)
		}
		preds = append(preds, func(e env.LogEntry) bool { return re.MatchString(e.Content) })
	}
	return all(preds), nil
}

// MetricMatcher compiles the filter for metric samples.
func (f Filter) MetricMatcher() func(env.MetricEntry) bool {
	var preds []func(env.MetricEntry) bool
	for _, p := range f.timePredicates() {
		preds = append(preds, func(e env.MetricEntry) bool { return p(e.Time) })
	}
	return all(preds)
}

func all[T any](preds []func(T) bool) func(T) bool {
	return func(v T) bool {
		for _, p := range preds {
			if !p(v) {
				return false
			}
		}
		return true
	}
}
