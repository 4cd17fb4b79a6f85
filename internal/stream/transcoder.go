package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"go.uber.org/zap"

	"ondevice-gateway/internal/apperr"
	"ondevice-gateway/internal/backend"
	"ondevice-gateway/internal/openai"
	"ondevice-gateway/pkg/logging/logging"
)

type State int

const (
	StateInit State = iota
	StateEmitting
	StateDone
	StateError
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateEmitting:
		return "emitting"
	case StateDone:
		return "done"
	default:
		return "error"
	}
}

// Source is the generation side of a stream.
type Source interface {
	CheckAvailability(ctx context.Context) backend.Availability
	GenerateStream(ctx context.Context, conv []openai.ChatMessage, opts backend.Options) (<-chan backend.Snapshot, error)
}

type flusher interface{ Flush() }

// Transcoder drives one streaming response. It is not safe for concurrent use.
type Transcoder struct {
	w       io.Writer
	id      string
	model   string
	created int64

	state   State
	emitted int
	events  int
}

func New(w io.Writer, id, model string, created int64) *Transcoder {
	return &Transcoder{w: w, id: id, model: model, created: created}
}

// SetHeaders prepares an SSE response.
func SetHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

func (t *Transcoder) State() State { return t.state }

// Run streams one generation to the writer. Backend failures are reported
// in-band and end the stream normally; the returned error is non-nil only
// when the client went away or a write failed.
func (t *Transcoder) Run(ctx context.Context, src Source, conv []openai.ChatMessage, opts backend.Options) error {
	logger := logging.L(ctx)

	if av := src.CheckAvailability(ctx); !av.Available {
		logger.Warn("stream rejected, backend unavailable", zap.String("reason", av.Reason.String()))
		return t.fail(apperr.Unavailable(av.Reason.Message()))
	}

	snapshots, err := src.GenerateStream(ctx, conv, opts)
	if err != nil {
		logger.Warn("stream could not start", zap.Error(err))
		return t.fail(err)
	}
	t.state = StateEmitting

	for {
		select {
		case <-ctx.Done():
			t.state = StateError
			logger.Info("stream cancelled by client",
				zap.Int("events", t.events),
				zap.Error(ctx.Err()),
			)
			return ctx.Err()

		case snap, ok := <-snapshots:
			if !ok {
				return t.finish()
			}
			if snap.Err != nil {
				logger.Error("stream generation failed", zap.Int("events", t.events), zap.Error(snap.Err))
				return t.fail(apperr.Internal(snap.Err, "generation failed"))
			}
			if err := t.emit(snap.Text); err != nil {
				t.state = StateError
				return err
			}
		}
	}
}

// Events is the number of chunk frames written so far.
func (t *Transcoder) Events() int { return t.events }

func (t *Transcoder) emit(snapshot string) error {
	delta, emitted := Delta(t.emitted, snapshot)
	if delta == "" && t.events > 0 {
		return nil
	}
	t.emitted = emitted

	d := openai.Delta{Content: &delta}
	if t.events == 0 {
		d.Role = openai.RoleAssistant
	}
	return t.writeChunk(d, nil)
}

func (t *Transcoder) finish() error {
	if t.events == 0 {
		if err := t.emit(""); err != nil {
			t.state = StateError
			return err
		}
	}

	reason := openai.FinishReasonStop
	if err := t.writeChunk(openai.Delta{}, &reason); err != nil {
		t.state = StateError
		return err
	}
	t.state = StateDone
	return t.writeDone()
}

func (t *Transcoder) fail(cause error) error {
	t.state = StateError

	if err := t.writeFrame(openai.NewErrorResponse(cause)); err != nil {
		return err
	}
	return t.writeDone()
}

func (t *Transcoder) writeChunk(d openai.Delta, finishReason *string) error {
	chunk := openai.ChatCompletionChunk{
		ID:      t.id,
		Object:  openai.ObjectChunk,
		Created: t.created,
		Model:   t.model,
		Choices: []openai.ChunkChoice{{Index: 0, Delta: d, FinishReason: finishReason}},
	}
	if err := t.writeFrame(chunk); err != nil {
		return err
	}
	t.events++
	return nil
}

func (t *Transcoder) writeFrame(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal SSE payload: %w", err)
	}
	if _, err := fmt.Fprintf(t.w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE frame: %w", err)
	}
	t.flush()
	return nil
}

func (t *Transcoder) writeDone() error {
	if _, err := io.WriteString(t.w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write SSE terminator: %w", err)
	}
	t.flush()
	return nil
}

func (t *Transcoder) flush() {
	if f, ok := t.w.(flusher); ok {
		f.Flush()
	}
}
