package voicestreamsystem

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager/pipeline"
	"github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager/recovery"
	"github.com/xpanvictor/xarvis-realtime/internal/observe"
	"github.com/xpanvictor/xarvis-realtime/internal/types"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
	"github.com/xpanvictor/xarvis-realtime/pkg/io/stt"
	audioring "github.com/xpanvictor/xarvis-realtime/pkg/io/stt/audioRing"
	"github.com/xpanvictor/xarvis-realtime/pkg/io/stt/vad"
)

var (
	ErrEmptyAudio     = errors.New("vss: empty audio chunk")
	ErrBufferRejected = errors.New("vss: audio buffer rejected chunk")
	ErrShutdown       = errors.New("vss: shutting down")
)

// Sender delivers an outbound event to a session's client.
type Sender interface {
	Send(sessionID string, msg any) bool
}

// Deps are the components a VSS drives. Detector, Buffer, Processor and
// Sender are required.
type Deps struct {
	Detector  *vad.Detector
	Buffer    *audioring.StreamBuffer
	Processor *pipeline.Processor
	Recovery  *recovery.Manager
	Stages    pipeline.Stages
	Sender    Sender
	Logger    *Logger.Logger
	Metrics   *observe.Metrics
}

// VSS is the voice stream system: it feeds client audio through the VAD,
// accumulates speech in the stream buffer and hands finished utterances to
// the processor, pushing the outcome back to the client.
type VSS struct {
	detector  *vad.Detector
	buffer    *audioring.StreamBuffer
	processor *pipeline.Processor
	recovery  *recovery.Manager
	stages    pipeline.Stages
	sender    Sender
	logger    *Logger.Logger
	metrics   *observe.Metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool

	// per-session ingest locks; recovery resets take the same lock
	locksMu sync.Mutex
	locks   map[string]*sync.Mutex
}

func NewVSS(deps Deps) (*VSS, error) {
	if deps.Detector == nil || deps.Buffer == nil || deps.Processor == nil || deps.Sender == nil {
		return nil, errors.New("vss: detector, buffer, processor and sender are required")
	}
	if deps.Logger == nil {
		deps.Logger = Logger.Nop()
	}
	if deps.Metrics == nil {
		deps.Metrics = observe.Discard()
	}

	ctx, cancel := context.WithCancel(context.Background())
	v := &VSS{
		detector:  deps.Detector,
		buffer:    deps.Buffer,
		processor: deps.Processor,
		recovery:  deps.Recovery,
		stages:    deps.Stages,
		sender:    deps.Sender,
		logger:    deps.Logger,
		metrics:   deps.Metrics,
		ctx:       ctx,
		cancel:    cancel,
		locks:     make(map[string]*sync.Mutex),
	}

	v.detector.OnTransition(func(_ string, t vad.Transition) {
		v.metrics.RecordVADTransition(context.Background(), t.String())
	})
	v.buffer.OnEvict(func(sessionID string, n int) {
		v.logger.Debugf("buffer for session %s evicted %d chunk(s)", sessionID, n)
		v.metrics.RecordEvictions(context.Background(), n)
	})
	return v, nil
}

// HandleAudio ingests one chunk of 16-bit mono PCM for the session.
func (v *VSS) HandleAudio(ctx context.Context, sessionID string, pcm []byte) error {
	if len(pcm) == 0 {
		return ErrEmptyAudio
	}
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return ErrShutdown
	}

	l := v.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()

	switch v.detector.ProcessFrame(ctx, sessionID, pcm) {
	case vad.TransitionStarted:
		// drop anything left from an interrupted utterance
		v.buffer.Clear(sessionID)
		if !v.buffer.AddChunk(sessionID, pcm) {
			return ErrBufferRejected
		}
		v.logger.Debugf("speech started for session %s", sessionID)
		v.sender.Send(sessionID, types.NewEvent(types.EventSpeechStarted, sessionID, nil))

	case vad.TransitionStopped:
		if !v.buffer.AddChunk(sessionID, pcm) {
			return ErrBufferRejected
		}
		audio := v.buffer.DrainAll(sessionID, true)
		v.sender.Send(sessionID, types.NewEvent(types.EventSpeechStopped, sessionID, map[string]any{
			"duration_ms": stt.DurationMs(audio, v.detector.SampleRate()),
		}))
		v.process(sessionID, audio)

	default:
		if st, ok := v.detector.GetState(sessionID); ok && st.IsSpeaking {
			if !v.buffer.AddChunk(sessionID, pcm) {
				return ErrBufferRejected
			}
		}
	}
	return nil
}

func (v *VSS) sessionLock(sessionID string) *sync.Mutex {
	v.locksMu.Lock()
	defer v.locksMu.Unlock()
	l, ok := v.locks[sessionID]
	if !ok {
		l = &sync.Mutex{}
		v.locks[sessionID] = l
	}
	return l
}

// process runs the utterance on the processor pool without blocking ingestion.
func (v *VSS) process(sessionID string, audio []byte) {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return
	}
	v.wg.Add(1)
	v.mu.Unlock()

	go func() {
		defer v.wg.Done()
		res := v.processor.Submit(v.ctx, sessionID, audio, v.stages)
		v.deliver(sessionID, res)
	}()
}

func (v *VSS) deliver(sessionID string, res pipeline.ProcessingResult) {
	log := v.logger.ForSession(sessionID)
	switch {
	case res.Cancelled:
		log.Debugf("processing superseded after %s", res.ProcessingTime)

	case res.Success:
		log.Infof("turn completed in %s: %q", res.ProcessingTime, res.Text)
		v.sender.Send(sessionID, types.NewEvent(types.EventTranscriptionResult, sessionID, map[string]any{
			"text": res.Text,
		}))
		v.sender.Send(sessionID, types.NewEvent(types.EventVoiceResponse, sessionID, map[string]any{
			"audio_data": base64.StdEncoding.EncodeToString(res.AudioData),
			"text":       res.Response,
		}))

	default:
		v.sender.Send(sessionID, types.NewErrorEvent(res.Error, "processing_error", types.CodeProcessingError))
		if v.recovery == nil {
			return
		}
		kind := recovery.AudioProcessing
		if res.TimedOut {
			kind = recovery.Timeout
		}
		v.recovery.HandleError(v.ctx, kind, res.Error, sessionID, map[string]any{
			"task_id":       res.TaskID,
			"processing_ms": res.ProcessingTime.Milliseconds(),
			"text":          res.Text,
		})
	}
}

// ResetSession discards speech state and buffered audio for the session,
// unless the user is mid-utterance. Reports whether anything was reset.
func (v *VSS) ResetSession(sessionID string) bool {
	l := v.sessionLock(sessionID)
	l.Lock()
	defer l.Unlock()
	if st, ok := v.detector.GetState(sessionID); ok && st.IsSpeaking {
		v.logger.Debugf("skipping reset for session %s: speech in progress", sessionID)
		return false
	}
	v.detector.ClearState(sessionID)
	v.buffer.Clear(sessionID)
	return true
}

// EndSession releases everything held for a disconnected session.
func (v *VSS) EndSession(sessionID string) {
	v.processor.Cancel(sessionID)
	v.detector.ClearState(sessionID)
	v.buffer.Remove(sessionID)
	v.locksMu.Lock()
	delete(v.locks, sessionID)
	v.locksMu.Unlock()
	v.logger.Debugf("released voice state for session %s", sessionID)
}

// Sessions lists every session with VAD, buffer or processing state.
func (v *VSS) Sessions() []string {
	var ids []string
	ids = append(ids, v.detector.ActiveSessions()...)
	ids = append(ids, v.buffer.Sessions()...)
	ids = append(ids, v.processor.ActiveSessions()...)
	slices.Sort(ids)
	return slices.Compact(ids)
}

// SweepOrphans ends every session for which isLive reports false.
func (v *VSS) SweepOrphans(isLive func(sessionID string) bool) int {
	n := 0
	for _, id := range v.Sessions() {
		if !isLive(id) {
			v.EndSession(id)
			n++
		}
	}
	return n
}

// Status reports the voice state of one session.
func (v *VSS) Status(sessionID string) map[string]any {
	out := map[string]any{"speaking": false}
	if st, ok := v.detector.GetState(sessionID); ok {
		out["speaking"] = st.IsSpeaking
		out["vad"] = st
	}
	if bs, ok := v.buffer.Status(sessionID); ok {
		out["buffer"] = bs
	}
	if ts, ok := v.processor.Status(sessionID); ok {
		out["processing"] = ts
	}
	return out
}

type Stats struct {
	VAD       vad.Stats               `json:"vad"`
	Buffer    audioring.BufferStats   `json:"buffer"`
	Processor pipeline.ProcessorStats `json:"processor"`
	Recovery  *recovery.RecoveryStats `json:"recovery,omitempty"`
}

func (v *VSS) Stats() Stats {
	s := Stats{
		VAD:       v.detector.Stats(),
		Buffer:    v.buffer.Stats(),
		Processor: v.processor.Stats(),
	}
	if v.recovery != nil {
		rs := v.recovery.Stats()
		s.Recovery = &rs
	}
	return s
}

// Shutdown stops accepting audio, cancels in-flight turns and waits for
// delivery goroutines to finish or ctx to expire.
func (v *VSS) Shutdown(ctx context.Context) error {
	v.mu.Lock()
	v.closed = true
	v.mu.Unlock()
	v.cancel()

	err := v.processor.Shutdown(ctx)

	done := make(chan struct{})
	go func() {
		v.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("vss: waiting for deliveries: %w", ctx.Err())
	}
	return err
}
