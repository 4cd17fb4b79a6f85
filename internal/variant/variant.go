// Package variant enumerates the serving configurations of the gateway.
package variant

import (
	"fmt"
	"strings"
)

// Variant is a closed set: Base, Deterministic, Creative.
type Variant int

const (
	Base Variant = iota
	Deterministic
	Creative
)

// All lists every variant in startup order.
var All = []Variant{Base, Deterministic, Creative}

// Sampling holds the generation parameters a request is served with.
type Sampling struct {
	Temperature float64
	TopP        float64
}

func (v Variant) String() string {
	switch v {
	case Base:
		return "base"
	case Deterministic:
		return "deterministic"
	case Creative:
		return "creative"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// DisplayName is reported as the model id in responses.
func (v Variant) DisplayName() string {
	switch v {
	case Deterministic:
		return "apple-on-device-deterministic"
	case Creative:
		return "apple-on-device-creative"
	default:
		return "apple-on-device"
	}
}

func (v Variant) DefaultPort() int {
	switch v {
	case Deterministic:
		return 11536
	case Creative:
		return 11537
	default:
		return 11535
	}
}

// FixedSampling returns the override a variant applies to every request.
// Base has none and reports false.
func (v Variant) FixedSampling() (Sampling, bool) {
	switch v {
	case Deterministic:
		return Sampling{Temperature: 0.1, TopP: 0.0}, true
	case Creative:
		return Sampling{Temperature: 0.9, TopP: 0.9}, true
	default:
		return Sampling{}, false
	}
}

func (v Variant) Valid() bool {
	return v >= Base && v <= Creative
}

// Parse accepts a variant name or its display name.
func Parse(s string) (Variant, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, v := range All {
		if s == v.String() || s == v.DisplayName() {
			return v, nil
		}
	}
	return 0, fmt.Errorf("unknown variant %q", s)
}

func (v Variant) MarshalText() ([]byte, error) {
	if !v.Valid() {
		return nil, fmt.Errorf("invalid variant %d", int(v))
	}
	return []byte(v.String()), nil
}

func (v *Variant) UnmarshalText(text []byte) error {
	parsed, err := Parse(string(text))
	if err != nil {
		return err
	}
	*v = parsed
	return nil
}
