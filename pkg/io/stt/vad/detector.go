package vad

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
	"github.com/xpanvictor/xarvis-realtime/pkg/io/stt"
)

const (
	StateSilent   = "silent"
	StateSpeaking = "speaking"

	eventSpeechStart = "speech_start"
	eventSpeechEnd   = "speech_end"
)

type Transition int

const (
	TransitionNone Transition = iota
	TransitionStarted
	TransitionStopped
)

func (t Transition) String() string {
	switch t {
	case TransitionStarted:
		return "started"
	case TransitionStopped:
		return "stopped"
	default:
		return "none"
	}
}

type Config struct {
	SampleRate       int `json:"sampleRate"`
	FrameDurationMs  int `json:"frameDurationMs"`  // 10, 20 or 30
	SilenceThreshold int `json:"silenceThreshold"` // consecutive non-speech frames that end speech
	Aggressiveness   int `json:"aggressiveness"`   // 0..3
}

// DefaultConfig returns 30ms frames at 16kHz, ending speech after ~300ms of
// silence.
func DefaultConfig() Config {
	return Config{
		SampleRate:       stt.DefaultSampleRate,
		FrameDurationMs:  30,
		SilenceThreshold: 10,
		Aggressiveness:   2,
	}
}

func (c Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("vad: sample rate must be positive, got %d", c.SampleRate)
	}
	switch c.FrameDurationMs {
	case 10, 20, 30:
	default:
		return fmt.Errorf("vad: frame duration must be 10, 20 or 30ms, got %d", c.FrameDurationMs)
	}
	if c.SilenceThreshold <= 0 {
		return fmt.Errorf("vad: silence threshold must be positive, got %d", c.SilenceThreshold)
	}
	if c.Aggressiveness < 0 || c.Aggressiveness > 3 {
		return fmt.Errorf("vad: aggressiveness must be 0..3, got %d", c.Aggressiveness)
	}
	return nil
}

// FrameBytes is the size of one classified frame of 16-bit mono PCM.
func (c Config) FrameBytes() int {
	return c.SampleRate * c.FrameDurationMs / 1000 * stt.BytesPerSample
}

// SpeechState is a snapshot of one session's detector state.
type SpeechState struct {
	SessionID       string    `json:"session_id"`
	IsSpeaking      bool      `json:"is_speaking"`
	SpeechStart     time.Time `json:"speech_start,omitempty"`
	SilenceCount    int       `json:"silence_count"`
	PendingBytes    int       `json:"pending_bytes"`
	FramesProcessed uint64    `json:"frames_processed"`
	SpeechFrames    uint64    `json:"speech_frames"`
}

type Stats struct {
	TrackedSessions  int    `json:"tracked_sessions"`
	ActiveSpeakers   int    `json:"active_speakers"`
	FramesProcessed  uint64 `json:"frames_processed"`
	SpeechFrames     uint64 `json:"speech_frames"`
	ClassifierErrors uint64 `json:"classifier_errors"`
	SpeechStarted    uint64 `json:"speech_started"`
	SpeechStopped    uint64 `json:"speech_stopped"`
	FrameBytes       int    `json:"frame_bytes"`
	SilenceThreshold int    `json:"silence_threshold"`
}

type sessionState struct {
	mu           sync.Mutex
	machine      *fsm.FSM
	speechStart  time.Time
	silenceCount int
	pending      []byte
	frames       uint64
	speechFrames uint64
}

// Detector turns a stream of arbitrary-sized PCM chunks into speech
// start/stop transitions, one state machine per session. Calls for the same
// session must not overlap; different sessions are independent.
type Detector struct {
	cfg        Config
	frameBytes int
	classifier Classifier
	logger     *Logger.Logger

	mu       sync.RWMutex
	sessions map[string]*sessionState

	statsMu        sync.Mutex
	totalFrames    uint64
	speechFrames   uint64
	classifyErrors uint64
	started        uint64
	stopped        uint64

	onTransition func(sessionID string, t Transition)
	now          func() time.Time
}

func NewDetector(cfg Config, classifier Classifier, logger *Logger.Logger) (*Detector, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if classifier == nil {
		classifier = NewEnergyClassifier(cfg.Aggressiveness)
	}
	if logger == nil {
		logger = Logger.Nop()
	}
	return &Detector{
		cfg:        cfg,
		frameBytes: cfg.FrameBytes(),
		classifier: classifier,
		logger:     logger,
		sessions:   make(map[string]*sessionState),
		now:        time.Now,
	}, nil
}

// OnTransition registers a callback fired for every reported transition.
// Must be called before the detector is shared.
func (d *Detector) OnTransition(fn func(sessionID string, t Transition)) {
	d.onTransition = fn
}

func (d *Detector) SampleRate() int { return d.cfg.SampleRate }

func (d *Detector) newSessionState() *sessionState {
	st := &sessionState{}
	st.machine = fsm.NewFSM(
		StateSilent,
		fsm.Events{
			{Name: eventSpeechStart, Src: []string{StateSilent}, Dst: StateSpeaking},
			{Name: eventSpeechEnd, Src: []string{StateSpeaking}, Dst: StateSilent},
		},
		fsm.Callbacks{
			"enter_" + StateSpeaking: func(_ context.Context, _ *fsm.Event) {
				st.speechStart = d.now()
				st.silenceCount = 0
			},
			"enter_" + StateSilent: func(_ context.Context, _ *fsm.Event) {
				st.speechStart = time.Time{}
				st.silenceCount = 0
			},
		},
	)
	return st
}

func (d *Detector) state(sessionID string) *sessionState {
	d.mu.RLock()
	st, ok := d.sessions[sessionID]
	d.mu.RUnlock()
	if ok {
		return st
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if st, ok = d.sessions[sessionID]; ok {
		return st
	}
	st = d.newSessionState()
	d.sessions[sessionID] = st
	return st
}

func (d *Detector) lookup(sessionID string) *sessionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.sessions[sessionID]
}

// ProcessFrame appends data to the session's carry-over bytes, classifies
// every complete frame and reports the last transition observed, if any.
// Bytes that do not fill a frame wait for the next call.
func (d *Detector) ProcessFrame(ctx context.Context, sessionID string, data []byte) Transition {
	st := d.state(sessionID)

	st.mu.Lock()
	result := TransitionNone
	var frames, speech, errs, started, stopped uint64

	buf := append(st.pending, data...)
	offset := 0
	for len(buf)-offset >= d.frameBytes {
		frame := buf[offset : offset+d.frameBytes]
		offset += d.frameBytes
		frames++

		isSpeech, err := d.classifier.IsSpeech(ctx, frame, d.cfg.SampleRate)
		if err != nil {
			errs++
			d.logger.Warnf("vad classifier failed for session %s, treating frame as silence: %v", sessionID, err)
			isSpeech = false
		}

		if isSpeech {
			speech++
			st.silenceCount = 0
			if st.machine.Is(StateSilent) {
				if err := st.machine.Event(ctx, eventSpeechStart); err != nil {
					d.logger.Errorf("vad fsm %s for session %s: %v", eventSpeechStart, sessionID, err)
					continue
				}
				result = TransitionStarted
				started++
			}
			continue
		}

		if st.machine.Is(StateSpeaking) {
			st.silenceCount++
			if st.silenceCount >= d.cfg.SilenceThreshold {
				if err := st.machine.Event(ctx, eventSpeechEnd); err != nil {
					d.logger.Errorf("vad fsm %s for session %s: %v", eventSpeechEnd, sessionID, err)
					continue
				}
				result = TransitionStopped
				stopped++
			}
		}
	}

	// keep the tail in a fresh slice so the caller's buffer is never aliased
	st.pending = append([]byte(nil), buf[offset:]...)
	st.frames += frames
	st.speechFrames += speech
	st.mu.Unlock()

	d.statsMu.Lock()
	d.totalFrames += frames
	d.speechFrames += speech
	d.classifyErrors += errs
	d.started += started
	d.stopped += stopped
	d.statsMu.Unlock()

	if result != TransitionNone {
		d.logger.Debugf("vad session %s: speech %s", sessionID, result)
		if d.onTransition != nil {
			d.onTransition(sessionID, result)
		}
	}
	return result
}

func snapshotState(sessionID string, st *sessionState) SpeechState {
	return SpeechState{
		SessionID:       sessionID,
		IsSpeaking:      st.machine.Is(StateSpeaking),
		SpeechStart:     st.speechStart,
		SilenceCount:    st.silenceCount,
		PendingBytes:    len(st.pending),
		FramesProcessed: st.frames,
		SpeechFrames:    st.speechFrames,
	}
}

// GetState reports the session's state; ok is false for unknown sessions.
func (d *Detector) GetState(sessionID string) (SpeechState, bool) {
	st := d.lookup(sessionID)
	if st == nil {
		return SpeechState{}, false
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return snapshotState(sessionID, st), true
}

// ClearState forgets the session, including any partial frame carried over.
func (d *Detector) ClearState(sessionID string) {
	d.mu.Lock()
	delete(d.sessions, sessionID)
	d.mu.Unlock()
}

func (d *Detector) ClearAll() {
	d.mu.Lock()
	d.sessions = make(map[string]*sessionState)
	d.mu.Unlock()
}

func (d *Detector) snapshot() map[string]*sessionState {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[string]*sessionState, len(d.sessions))
	for id, st := range d.sessions {
		out[id] = st
	}
	return out
}

// ActiveSpeakers lists sessions currently in the speaking state.
func (d *Detector) ActiveSpeakers() []string {
	var ids []string
	for id, st := range d.snapshot() {
		st.mu.Lock()
		if st.machine.Is(StateSpeaking) {
			ids = append(ids, id)
		}
		st.mu.Unlock()
	}
	slices.Sort(ids)
	return ids
}

// ActiveSessions lists every session with detector state.
func (d *Detector) ActiveSessions() []string {
	d.mu.RLock()
	ids := make([]string, 0, len(d.sessions))
	for id := range d.sessions {
		ids = append(ids, id)
	}
	d.mu.RUnlock()
	slices.Sort(ids)
	return ids
}

func (d *Detector) Stats() Stats {
	stats := Stats{
		FrameBytes:       d.frameBytes,
		SilenceThreshold: d.cfg.SilenceThreshold,
	}
	for _, st := range d.snapshot() {
		stats.TrackedSessions++
		st.mu.Lock()
		if st.machine.Is(StateSpeaking) {
			stats.ActiveSpeakers++
		}
		st.mu.Unlock()
	}

	d.statsMu.Lock()
	stats.FramesProcessed = d.totalFrames
	stats.SpeechFrames = d.speechFrames
	stats.ClassifierErrors = d.classifyErrors
	stats.SpeechStarted = d.started
	stats.SpeechStopped = d.stopped
	d.statsMu.Unlock()
	return stats
}
