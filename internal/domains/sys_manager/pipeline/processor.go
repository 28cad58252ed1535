package pipeline

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"

	"github.com/xpanvictor/xarvis-realtime/internal/observe"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

type Config struct {
	Workers int
	Timeout time.Duration
}

func DefaultConfig() Config {
	return Config{Workers: 4, Timeout: 30 * time.Second}
}

type task struct {
	id        uint64
	sessionID string
	cancel    context.CancelFunc
	started   time.Time
	running   atomic.Bool
	cancelled atomic.Bool
}

// Processor runs STT -> LLM -> TTS turns on a bounded worker pool. Each
// session has at most one run in flight; submitting again supersedes it.
type Processor struct {
	cfg     Config
	logger  *Logger.Logger
	metrics *observe.Metrics
	sem     *semaphore.Weighted

	mu     sync.Mutex
	tasks  map[string]*task
	nextID uint64
	closed bool
	wg     sync.WaitGroup

	statsMu      sync.Mutex
	submitted    uint64
	successful   uint64
	failed       uint64
	timedOut     uint64
	cancelled    uint64
	totalLatency time.Duration
}

func NewProcessor(cfg Config, logger *Logger.Logger, metrics *observe.Metrics) *Processor {
	def := DefaultConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if logger == nil {
		logger = Logger.Nop()
	}
	if metrics == nil {
		metrics = observe.Discard()
	}
	return &Processor{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		sem:     semaphore.NewWeighted(int64(cfg.Workers)),
		tasks:   make(map[string]*task),
	}
}

func (p *Processor) markCancelled(t *task) {
	if t.cancelled.CompareAndSwap(false, true) {
		t.cancel()
		p.statsMu.Lock()
		p.cancelled++
		p.statsMu.Unlock()
	}
}

// Submit runs one voice turn for the session and blocks until it finishes,
// times out or is superseded. Queued submissions wait for a free worker; the
// wait counts against the pipeline timeout.
func (p *Processor) Submit(ctx context.Context, sessionID string, audio []byte, stages Stages) ProcessingResult {
	start := time.Now()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ProcessingResult{SessionID: sessionID, Error: ErrProcessorClosed.Error()}
	}
	if prev, ok := p.tasks[sessionID]; ok {
		p.logger.Infof("superseding in-flight processing for session %s (task %d)", sessionID, prev.id)
		p.markCancelled(prev)
	}
	p.nextID++
	taskCtx, cancel := context.WithCancel(ctx)
	t := &task{id: p.nextID, sessionID: sessionID, cancel: cancel, started: start}
	p.tasks[sessionID] = t
	p.wg.Add(1)
	p.mu.Unlock()

	p.statsMu.Lock()
	p.submitted++
	p.statsMu.Unlock()

	runCtx, cancelTimeout := context.WithTimeout(taskCtx, p.cfg.Timeout)
	defer cancelTimeout()

	result := p.execute(runCtx, t, audio, stages)
	result.SessionID = sessionID
	result.TaskID = t.id
	result.ProcessingTime = time.Since(start)

	if t.cancelled.Load() || (!result.Success && !result.TimedOut && ctx.Err() != nil) {
		p.markCancelled(t)
		result = ProcessingResult{
			SessionID:      sessionID,
			TaskID:         t.id,
			Error:          MsgCancelled,
			Cancelled:      true,
			ProcessingTime: result.ProcessingTime,
		}
	}

	p.mu.Lock()
	if p.tasks[sessionID] == t {
		delete(p.tasks, sessionID)
	}
	p.mu.Unlock()
	cancel()

	p.record(ctx, result)
	return result
}

// execute waits for a worker slot, then runs the stages on it. The worker
// may outlive a timeout; its late result is dropped.
func (p *Processor) execute(ctx context.Context, t *task, audio []byte, stages Stages) ProcessingResult {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		p.wg.Done()
		return p.interrupted(ctx)
	}

	done := make(chan ProcessingResult, 1)
	t.running.Store(true)
	go func() {
		defer p.wg.Done()
		defer p.sem.Release(1)
		done <- p.run(ctx, t.sessionID, audio, stages)
	}()

	select {
	case res := <-done:
		return res
	case <-ctx.Done():
		return p.interrupted(ctx)
	}
}

func (p *Processor) interrupted(ctx context.Context) ProcessingResult {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ProcessingResult{Error: MsgTimeout, TimedOut: true}
	}
	return ProcessingResult{Error: MsgCancelled, Cancelled: true}
}

func (p *Processor) run(ctx context.Context, sessionID string, audio []byte, stages Stages) (res ProcessingResult) {
	ctx, span := observe.StartSpan(ctx, "pipeline.run",
		trace.WithAttributes(attribute.String("session_id", sessionID), attribute.Int("audio_bytes", len(audio))))
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("pipeline panic for session %s: %v", sessionID, r)
			res = ProcessingResult{Error: fmt.Sprintf("Processing failed: %v", r)}
		}
		var err error
		if !res.Success {
			err = errors.New(res.Error)
		}
		observe.EndSpan(span, err)
	}()

	if !stages.complete() {
		return ProcessingResult{Error: MsgStageMissing}
	}
	if len(audio) == 0 {
		return ProcessingResult{Error: MsgNoAudio}
	}

	var text string
	err := p.stage(ctx, "pipeline.stt", p.metrics.STTDuration, func(ctx context.Context) (err error) {
		text, err = stages.STT.Transcribe(ctx, audio)
		return err
	})
	if err != nil {
		return ProcessingResult{Error: fmt.Sprintf("Transcription failed: %v", err)}
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return ProcessingResult{Error: MsgNoText}
	}

	var response string
	err = p.stage(ctx, "pipeline.llm", p.metrics.LLMDuration, func(ctx context.Context) (err error) {
		response, err = stages.LLM.GenerateResponse(ctx, text)
		return err
	})
	if err != nil {
		return ProcessingResult{Text: text, Error: fmt.Sprintf("Response generation failed: %v", err)}
	}
	response = strings.TrimSpace(response)
	if response == "" {
		return ProcessingResult{Text: text, Error: MsgNoResponse}
	}

	var audioOut []byte
	err = p.stage(ctx, "pipeline.tts", p.metrics.TTSDuration, func(ctx context.Context) (err error) {
		audioOut, err = stages.TTS.Synthesize(ctx, response)
		return err
	})
	if err != nil {
		return ProcessingResult{Text: text, Response: response, Error: fmt.Sprintf("Speech synthesis failed: %v", err)}
	}
	if len(audioOut) == 0 {
		return ProcessingResult{Text: text, Response: response, Error: MsgNoAudioResponse}
	}

	return ProcessingResult{Success: true, Text: text, Response: response, AudioData: audioOut}
}

// stage runs fn under a child span and records its latency.
func (p *Processor) stage(ctx context.Context, name string, hist metric.Float64Histogram, fn func(context.Context) error) error {
	ctx, span := observe.StartSpan(ctx, name)
	start := time.Now()
	err := fn(ctx)
	hist.Record(ctx, time.Since(start).Seconds())
	observe.EndSpan(span, err)
	return err
}

func (p *Processor) record(ctx context.Context, res ProcessingResult) {
	status := "success"
	p.statsMu.Lock()
	switch {
	case res.Cancelled:
		status = "cancelled"
	case res.Success:
		p.successful++
		p.totalLatency += res.ProcessingTime
	case res.TimedOut:
		status = "timeout"
		p.timedOut++
		p.totalLatency += res.ProcessingTime
	default:
		status = "failure"
		p.failed++
		p.totalLatency += res.ProcessingTime
	}
	p.statsMu.Unlock()

	p.metrics.RecordPipelineResult(context.WithoutCancel(ctx), status, res.ProcessingTime.Seconds())
	if status != "success" && status != "cancelled" {
		p.logger.Warnf("processing for session %s ended with %s: %s", res.SessionID, status, res.Error)
	}
}

// Cancel supersedes the session's in-flight run, if any.
func (p *Processor) Cancel(sessionID string) bool {
	p.mu.Lock()
	t, ok := p.tasks[sessionID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	p.markCancelled(t)
	return true
}

// CancelTask cancels the session's run only while taskID is still the one in
// flight. A finished or superseded task is left alone.
func (p *Processor) CancelTask(sessionID string, taskID uint64) bool {
	p.mu.Lock()
	t, ok := p.tasks[sessionID]
	p.mu.Unlock()
	if !ok || t.id != taskID {
		return false
	}
	p.markCancelled(t)
	return true
}

func (p *Processor) CancelAll() int {
	p.mu.Lock()
	tasks := make([]*task, 0, len(p.tasks))
	for _, t := range p.tasks {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, t := range tasks {
		p.markCancelled(t)
	}
	return len(tasks)
}

func statusOf(t *task, now time.Time) TaskStatus {
	return TaskStatus{
		SessionID: t.sessionID,
		TaskID:    t.id,
		StartedAt: t.started,
		Elapsed:   now.Sub(t.started),
		Queued:    !t.running.Load(),
	}
}

func (p *Processor) Status(sessionID string) (TaskStatus, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	t, ok := p.tasks[sessionID]
	if !ok {
		return TaskStatus{}, false
	}
	return statusOf(t, time.Now()), true
}

func (p *Processor) AllStatuses() map[string]TaskStatus {
	now := time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]TaskStatus, len(p.tasks))
	for id, t := range p.tasks {
		out[id] = statusOf(t, now)
	}
	return out
}

// ActiveSessions lists sessions with a run in flight.
func (p *Processor) ActiveSessions() []string {
	p.mu.Lock()
	ids := make([]string, 0, len(p.tasks))
	for id := range p.tasks {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	slices.Sort(ids)
	return ids
}

func (p *Processor) Stats() ProcessorStats {
	p.mu.Lock()
	active := len(p.tasks)
	p.mu.Unlock()

	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	stats := ProcessorStats{
		Workers:            p.cfg.Workers,
		ActiveTasks:        active,
		TotalSubmitted:     p.submitted,
		Successful:         p.successful,
		Failed:             p.failed,
		TimedOut:           p.timedOut,
		CancelledProcessed: p.cancelled,
	}
	if finished := p.successful + p.failed + p.timedOut; finished > 0 {
		stats.SuccessRate = float64(p.successful) / float64(finished)
		stats.AverageLatencyMs = float64(p.totalLatency.Milliseconds()) / float64(finished)
	}
	return stats
}

// Shutdown rejects new work, cancels everything in flight and waits for the
// workers to return or ctx to expire.
func (p *Processor) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	if n := p.CancelAll(); n > 0 {
		p.logger.Infof("processor shutdown cancelled %d in-flight task(s)", n)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline: waiting for workers: %w", ctx.Err())
	}
}
