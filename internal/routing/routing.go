// Package routing decides whether a request is served by the receiving
// variant or forwarded to a sibling.
package routing

import (
	"fmt"

	"ondevice-gateway/internal/variant"
)

const (
	lowThreshold  = 0.2
	highThreshold = 0.8
)

// Decision is the per-request routing outcome. The zero value serves locally.
type Decision struct {
	Forward bool
	Target  variant.Variant
}

func ServeLocal() Decision { return Decision{} }

func ForwardTo(v variant.Variant) Decision { return Decision{Forward: true, Target: v} }

func (d Decision) String() string {
	if !d.Forward {
		return "serve-local"
	}
	return fmt.Sprintf("forward-to(%s)", d.Target)
}

// Decide routes a request received by v using effective sampling values.
// Only Base ever forwards; low values win over high ones.
func Decide(v variant.Variant, temperature, topP float64) Decision {
	switch v {
	case variant.Deterministic, variant.Creative:
		return ServeLocal()
	}

	switch {
	case temperature < lowThreshold || topP < lowThreshold:
		return ForwardTo(variant.Deterministic)
	case temperature >= highThreshold || topP >= highThreshold:
		return ForwardTo(variant.Creative)
	default:
		return ServeLocal()
	}
}

// Effective returns the sampling a locally served request runs with: the
// caller's values on Base, the fixed override elsewhere.
func Effective(v variant.Variant, temperature, topP float64) variant.Sampling {
	if fixed, ok := v.FixedSampling(); ok {
		return fixed
	}
	return variant.Sampling{Temperature: temperature, TopP: topP}
}
