// Package threshold parses and evaluates pass/fail expressions such as
// "p95 < 500ms" against a metrics snapshot.
package threshold

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/wesleyorama2/surge/internal/campaign/metrics"
)

// Metric names a thresholded metric family.
type Metric string

const (
	// Checks is the passed-check ratio ("rate").
	Checks Metric = "checks"
	// HTTPReqDuration is request latency ("p50".."p99", "avg", "min", "max").
	HTTPReqDuration Metric = "http_req_duration"
	// DroppedIterations counts iterations dropped at saturation ("count", "rate").
	DroppedIterations Metric = "dropped_iterations"
)

// Result contains the result of a threshold evaluation.
type Result struct {
	Metric     Metric `json:"metric"`
	Expression string `json:"expression"`
	Passed     bool   `json:"passed"`
	Value      string `json:"value"`
	Message    string `json:"message,omitempty"`
}

// Expression is a parsed "stat op value" expression.
type Expression struct {
	Stat  string
	Op    string
	Value string
}

var exprRe = regexp.MustCompile(`^(\w+)\s*([<>=!]+)\s*(.+)$`)

var validOps = map[string]bool{
	"<": true, "<=": true, ">": true, ">=": true,
	"==": true, "=": true, "!=": true, "<>": true,
}

// Parse parses an expression like "p95 < 500ms".
func Parse(expr string) (Expression, error) {
	expr = strings.TrimSpace(expr)
	matches := exprRe.FindStringSubmatch(expr)
	if len(matches) != 4 {
		return Expression{}, fmt.Errorf("invalid expression format: %s", expr)
	}
	if !validOps[matches[2]] {
		return Expression{}, fmt.Errorf("invalid operator %q in: %s", matches[2], expr)
	}
	return Expression{Stat: matches[1], Op: matches[2], Value: strings.TrimSpace(matches[3])}, nil
}

// Validate checks that expr is well-formed for metric.
func Validate(metric Metric, expr string) error {
	e, err := Parse(expr)
	if err != nil {
		return err
	}
	switch metric {
	case HTTPReqDuration:
		if _, ok := durationStat(e.Stat, metrics.LatencyStats{}); !ok {
			return fmt.Errorf("unknown stat %q for %s", e.Stat, metric)
		}
		if _, err := time.ParseDuration(e.Value); err != nil {
			return fmt.Errorf("invalid duration %q: %w", e.Value, err)
		}
	case Checks:
		if e.Stat != "rate" {
			return fmt.Errorf("%s only supports 'rate', got: %s", metric, e.Stat)
		}
		if _, err := strconv.ParseFloat(e.Value, 64); err != nil {
			return fmt.Errorf("invalid number %q: %w", e.Value, err)
		}
	case DroppedIterations:
		if e.Stat != "count" && e.Stat != "rate" {
			return fmt.Errorf("%s only supports 'count' or 'rate', got: %s", metric, e.Stat)
		}
		if _, err := strconv.ParseFloat(e.Value, 64); err != nil {
			return fmt.Errorf("invalid number %q: %w", e.Value, err)
		}
	default:
		return fmt.Errorf("unknown metric %q", metric)
	}
	return nil
}

// Evaluate evaluates expr for metric against snap.
func Evaluate(metric Metric, expr string, snap *metrics.Snapshot) Result {
	result := Result{Metric: metric, Expression: expr}

	if err := Validate(metric, expr); err != nil {
		result.Message = fmt.Sprintf("failed to parse expression: %v", err)
		return result
	}
	e, _ := Parse(expr)

	switch metric {
	case HTTPReqDuration:
		actual, _ := durationStat(e.Stat, snap.Latency)
		limit, _ := time.ParseDuration(e.Value)
		result.Value = actual.String()
		result.Passed = compareValues(float64(actual), e.Op, float64(limit))
		if !result.Passed {
			result.Message = fmt.Sprintf("%s is %s, threshold: %s %s", e.Stat, actual, e.Op, limit)
		}

	case Checks:
		limit, _ := strconv.ParseFloat(e.Value, 64)
		actual := snap.Totals.CheckRate()
		result.Value = fmt.Sprintf("%.4f", actual)
		result.Passed = compareValues(actual, e.Op, limit)
		if !result.Passed {
			result.Message = fmt.Sprintf("check pass rate is %.4f, threshold: %s %.4f", actual, e.Op, limit)
		}

	case DroppedIterations:
		limit, _ := strconv.ParseFloat(e.Value, 64)
		actual := float64(snap.Totals.Dropped)
		if e.Stat == "rate" {
			actual = snap.Totals.DropRate()
		}
		result.Value = fmt.Sprintf("%.4f", actual)
		result.Passed = compareValues(actual, e.Op, limit)
		if !result.Passed {
			result.Message = fmt.Sprintf("dropped %s is %.4f, threshold: %s %.4f", e.Stat, actual, e.Op, limit)
		}
	}

	return result
}

// EvaluateAll evaluates every expression of every metric, in the order
// checks, http_req_duration, dropped_iterations.
func EvaluateAll(set map[Metric][]string, snap *metrics.Snapshot) []Result {
	var results []Result
	for _, m := range []Metric{Checks, HTTPReqDuration, DroppedIterations} {
		for _, expr := range set[m] {
			results = append(results, Evaluate(m, expr, snap))
		}
	}
	return results
}

// Passed reports whether every result passed.
func Passed(results []Result) bool {
	for _, r := range results {
		if !r.Passed {
			return false
		}
	}
	return true
}

func durationStat(stat string, l metrics.LatencyStats) (time.Duration, bool) {
	switch stat {
	case "min":
		return l.Min, true
	case "max":
		return l.Max, true
	case "avg":
		return l.Mean, true
	case "med", "p50":
		return l.P50, true
	case "p90":
		return l.P90, true
	case "p95":
		return l.P95, true
	case "p99":
		return l.P99, true
	default:
		return 0, false
	}
}

// compareValues compares two values using the given operator.
func compareValues(actual float64, op string, threshold float64) bool {
	switch op {
	case "<":
		return actual < threshold
	case "<=":
		return actual <= threshold
	case ">":
		return actual > threshold
	case ">=":
		return actual >= threshold
	case "==", "=":
		return actual == threshold
	case "!=", "<>":
		return actual != threshold
	default:
		return false
	}
}
