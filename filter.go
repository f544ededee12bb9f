package vis

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// decision is the outcome of applying a subscription's filters to one value update.
type decision int

const (
	// decisionSuppress drops the value for this subscription.
	decisionSuppress decision = iota
	// decisionForward delivers the value immediately.
	decisionForward
	// decisionDefer stores the value as the subscription's pending value, to be
	// delivered on the next interval tick.
	decisionDefer
)

// filterSpec is the validated, compiled form of the Filters wire type. A nil
// filterSpec forwards every value unconditionally.
type filterSpec struct {
	rangeAbove *float64
	rangeBelow *float64
	minChange  *float64
	interval   time.Duration
}

// deliveryState tracks what a subscription has already delivered, which is the
// only history the filter rules depend on.
type deliveryState struct {
	// delivered reports whether at least one value has been delivered.
	delivered bool
	// lastNumeric reports whether the last delivered value was numeric.
	lastNumeric bool
	// lastValue is the numeric form of the last delivered value, valid only
	// when lastNumeric is set.
	lastValue float64
}

// compileFilters validates a Filters wire value and produces its compiled form.
// A nil input means no filters at all. Every numeric field must parse as a
// number (JSON number or numeric string); failures are reported as errors so
// the caller can reject the subscription instead of silently ignoring a filter.
func compileFilters(f *Filters) (*filterSpec, error) {
	if f == nil {
		return nil, nil
	}

	spec := &filterSpec{}

	if f.Range != nil {
		if len(f.Range.Above) > 0 {
			above, err := filterNumber(f.Range.Above)
			if err != nil {
				return nil, fmt.Errorf("range.above must parse as a number")
			}
			spec.rangeAbove = &above
		}
		if len(f.Range.Below) > 0 {
			below, err := filterNumber(f.Range.Below)
			if err != nil {
				return nil, fmt.Errorf("range.below must parse as a number")
			}
			spec.rangeBelow = &below
		}
	}

	if len(f.MinChange) > 0 {
		minChange, err := filterNumber(f.MinChange)
		if err != nil || minChange < 0 {
			return nil, fmt.Errorf("minChange must parse as a non-negative number")
		}
		spec.minChange = &minChange
	}

	if len(f.Interval) > 0 {
		interval, err := filterNumber(f.Interval)
		if err != nil || interval <= 0 {
			return nil, fmt.Errorf("interval must parse as a positive number of milliseconds")
		}
		spec.interval = time.Duration(interval * float64(time.Millisecond))
	}

	return spec, nil
}

// decide applies a subscription's filters to a newly arrived value. It is a
// pure function of the compiled spec, the subscription's delivery history and
// the value; the caller owns any state changes implied by the outcome.
//
// With an interval filter the range and minChange rules gate what may become
// the pending value, but emission happens only on timer ticks, so passing
// values resolve to decisionDefer instead of decisionForward.
func decide(spec *filterSpec, state deliveryState, value json.RawMessage) decision {
	if spec == nil {
		return decisionForward
	}

	num, numeric := numericValue(value)

	if spec.rangeAbove != nil || spec.rangeBelow != nil {
		if !numeric {
			return decisionSuppress
		}
		if spec.rangeAbove != nil && num <= *spec.rangeAbove {
			return decisionSuppress
		}
		if spec.rangeBelow != nil && num >= *spec.rangeBelow {
			return decisionSuppress
		}
	}

	// The first delivery always passes minChange, as does any value when the
	// numeric baseline is absent (nothing delivered yet, or the last delivered
	// value was not numeric).
	if spec.minChange != nil && numeric && state.delivered && state.lastNumeric {
		if math.Abs(num-state.lastValue) < *spec.minChange {
			return decisionSuppress
		}
	}

	if spec.interval > 0 {
		return decisionDefer
	}

	return decisionForward
}

// record updates the delivery history after a value has actually been emitted.
func (s *deliveryState) record(value json.RawMessage) {
	s.delivered = true
	s.lastValue, s.lastNumeric = numericValue(value)
}

// numericValue extracts the numeric form of a signal value. Only JSON numbers
// count as numeric; a string like "5" is a text value and bypasses magnitude
// based filters.
func numericValue(raw json.RawMessage) (float64, bool) {
	var f float64
	if err := json.Unmarshal(raw, &f); err != nil {
		return 0, false
	}
	return f, true
}

// filterNumber parses a filter field that clients send either as a JSON number
// or as a numeric string.
func filterNumber(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
			return f, nil
		}
	}

	return 0, fmt.Errorf("not a number: %s", string(raw))
}
