// Package backend is the seam between the gateway and the text generation
// engine. The Adapter gates every generation on a fresh availability check
// and converts an OpenAI conversation into an engine Session.
package backend

import (
	"context"
	"strings"
)

// Reason explains why the engine cannot serve.
type Reason int

const (
	ReasonNone Reason = iota
	ReasonDeviceIneligible
	ReasonFeatureDisabled
	ReasonModelNotReady
	ReasonUnknown
)

func (r Reason) String() string {
	switch r {
	case ReasonNone:
		return "available"
	case ReasonDeviceIneligible:
		return "device-ineligible"
	case ReasonFeatureDisabled:
		return "feature-disabled"
	case ReasonModelNotReady:
		return "model-not-ready"
	default:
		return "unknown"
	}
}

// Message is the user-facing text for a reason.
func (r Reason) Message() string {
	switch r {
	case ReasonNone:
		return "Model is available"
	case ReasonDeviceIneligible:
		return "Device is not eligible for Apple Intelligence"
	case ReasonFeatureDisabled:
		return "Apple Intelligence is not enabled on this device"
	case ReasonModelNotReady:
		return "Model is not ready (it may still be downloading)"
	default:
		return "Model is unavailable for an unknown reason"
	}
}

// ParseReason is the inverse of Reason.String; unrecognised input is ReasonUnknown.
func ParseReason(s string) Reason {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "available", "none":
		return ReasonNone
	case "device-ineligible":
		return ReasonDeviceIneligible
	case "feature-disabled":
		return ReasonFeatureDisabled
	case "model-not-ready":
		return ReasonModelNotReady
	default:
		return ReasonUnknown
	}
}

type Availability struct {
	Available bool
	Reason    Reason
}

func Ready() Availability { return Availability{Available: true, Reason: ReasonNone} }

func NotReady(r Reason) Availability { return Availability{Reason: r} }

// Options are the generation parameters for one request. Zero MaxTokens
// means the engine default.
type Options struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
}

// TurnKind distinguishes prior prompts from prior responses.
type TurnKind int

const (
	TurnPrompt TurnKind = iota
	TurnResponse
)

type Turn struct {
	Kind TurnKind
	Text string
}

// Session is the engine-native form of a conversation: instructions from
// system messages, prior turns, and the active prompt.
type Session struct {
	Instructions string
	History      []Turn
	Prompt       string
}

// Snapshot is one cumulative state of an incremental generation. Text always
// extends the previous snapshot's Text. A non-nil Err ends the stream.
type Snapshot struct {
	Text string
	Err  error
}

// Engine is the generation collaborator. Implementations must honour ctx
// cancellation and close the snapshot channel when generation ends.
type Engine interface {
	Availability(ctx context.Context) Availability
	SupportedLanguages() []string
	Respond(ctx context.Context, s Session, opts Options) (string, error)
	StreamResponse(ctx context.Context, s Session, opts Options) (<-chan Snapshot, error)
}
