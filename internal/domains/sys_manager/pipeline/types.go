package pipeline

import (
	"context"
	"errors"
	"time"
)

var ErrProcessorClosed = errors.New("pipeline: processor is shut down")

// Failure messages reported in ProcessingResult.Error.
const (
	MsgNoAudio         = "No audio data"
	MsgNoText          = "No text detected"
	MsgNoResponse      = "No AI response generated"
	MsgNoAudioResponse = "No audio response generated"
	MsgTimeout         = "Processing timeout"
	MsgCancelled       = "Processing cancelled"
	MsgStageMissing    = "Pipeline stage not configured"
)

// Transcriber turns PCM audio into text.
type Transcriber interface {
	Transcribe(ctx context.Context, audio []byte) (string, error)
}

// Responder produces the assistant reply for a transcript.
type Responder interface {
	GenerateResponse(ctx context.Context, text string) (string, error)
}

// Synthesizer renders reply text as audio.
type Synthesizer interface {
	Synthesize(ctx context.Context, text string) ([]byte, error)
}

type TranscriberFunc func(ctx context.Context, audio []byte) (string, error)

func (f TranscriberFunc) Transcribe(ctx context.Context, audio []byte) (string, error) {
	return f(ctx, audio)
}

type ResponderFunc func(ctx context.Context, text string) (string, error)

func (f ResponderFunc) GenerateResponse(ctx context.Context, text string) (string, error) {
	return f(ctx, text)
}

type SynthesizerFunc func(ctx context.Context, text string) ([]byte, error)

func (f SynthesizerFunc) Synthesize(ctx context.Context, text string) ([]byte, error) {
	return f(ctx, text)
}

// Stages bundles the three collaborators of one voice turn.
type Stages struct {
	STT Transcriber
	LLM Responder
	TTS Synthesizer
}

func (s Stages) complete() bool {
	return s.STT != nil && s.LLM != nil && s.TTS != nil
}

// ProcessingResult is the outcome of one pipeline run. Exactly one of
// Success, Cancelled or a non-empty Error describes how it ended.
type ProcessingResult struct {
	SessionID      string        `json:"session_id"`
	TaskID         uint64        `json:"task_id"`
	Success        bool          `json:"success"`
	Text           string        `json:"text,omitempty"`
	Response       string        `json:"response,omitempty"`
	AudioData      []byte        `json:"-"`
	Error          string        `json:"error,omitempty"`
	ProcessingTime time.Duration `json:"processing_time"`
	Cancelled      bool          `json:"cancelled,omitempty"`
	TimedOut       bool          `json:"timed_out,omitempty"`
}

// TaskStatus describes an in-flight run.
type TaskStatus struct {
	SessionID string        `json:"session_id"`
	TaskID    uint64        `json:"task_id"`
	StartedAt time.Time     `json:"started_at"`
	Elapsed   time.Duration `json:"elapsed"`
	// Queued is true while the run waits for a worker slot.
	Queued bool `json:"queued"`
}

type ProcessorStats struct {
	Workers            int     `json:"workers"`
	ActiveTasks        int     `json:"active_tasks"`
	TotalSubmitted     uint64  `json:"total_submitted"`
	Successful         uint64  `json:"successful"`
	Failed             uint64  `json:"failed"`
	TimedOut           uint64  `json:"timed_out"`
	CancelledProcessed uint64  `json:"cancelled_processed"`
	SuccessRate        float64 `json:"success_rate"`
	AverageLatencyMs   float64 `json:"average_latency_ms"`
}
