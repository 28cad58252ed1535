package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-redis/redis"

	"github.com/xpanvictor/xarvis-realtime/internal/config"
	sysmanager "github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager"
	"github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager/pipeline"
	"github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager/recovery"
	vss "github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager/voice_stream_system"
	"github.com/xpanvictor/xarvis-realtime/internal/handlers/websocket"
	"github.com/xpanvictor/xarvis-realtime/internal/observe"
	"github.com/xpanvictor/xarvis-realtime/internal/repository/presence"
	"github.com/xpanvictor/xarvis-realtime/internal/types"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
	audioring "github.com/xpanvictor/xarvis-realtime/pkg/io/stt/audioRing"
	"github.com/xpanvictor/xarvis-realtime/pkg/io/stt/vad"
)

// App represents the application with all its dependencies
type App struct {
	Config  *config.Settings
	Logger  *Logger.Logger
	RC      *redis.Client
	Metrics *observe.Metrics

	Presence    presence.Repository
	Detector    *vad.Detector
	Buffer      *audioring.StreamBuffer
	Processor   *pipeline.Processor
	Recovery    *recovery.Manager
	Connections *websocket.ConnectionManager
	Router      *websocket.MessageRouter
	Bridge      *websocket.VSSBridge
	Voice       *vss.VSS
	WSHandler   *websocket.WebSocketHandler
	SysManager  *sysmanager.SystemManager

	stages          *pipeline.Stages
	metricsShutdown func(context.Context) error

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	stopped  bool
	stopOnce sync.Once
}

type Option func(*App)

// WithStages replaces the Whisper/LLM/Piper stages built from config.
func WithStages(s pipeline.Stages) Option {
	return func(a *App) { a.stages = &s }
}

// NewApp creates a new application instance with all dependencies properly
// wired. rc may be nil when Redis is not configured.
func NewApp(cfg *config.Settings, logger *Logger.Logger, rc *redis.Client, opts ...Option) (*App, error) {
	if logger == nil {
		logger = Logger.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	app := &App{
		Config: cfg,
		Logger: logger,
		RC:     rc,
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(app)
	}

	if err := app.setupDependencies(); err != nil {
		cancel()
		return nil, err
	}

	return app, nil
}

// setupDependencies initializes all application dependencies
func (a *App) setupDependencies() error {
	p := a.Config.Pipeline

	// 1. Observability
	a.Metrics = observe.Discard()
	if a.Config.Metrics.Enabled {
		m, shutdown, err := observe.InitProvider(a.ctx, observe.ProviderConfig{})
		if err != nil {
			return fmt.Errorf("init metrics: %w", err)
		}
		a.Metrics = m
		a.metricsShutdown = shutdown
	}

	// 2. Voice pipeline stages
	stages := pipeline.Stages{}
	if a.stages != nil {
		stages = *a.stages
	} else {
		built, err := buildStages(a.Config, a.Logger)
		if err != nil {
			return err
		}
		stages = built
	}

	// 3. Audio components
	var classifier vad.Classifier
	switch p.VADClassifier {
	case "silero":
		classifier = vad.NewSileroClassifier(p.VADServiceURL, p.VADAggressiveness, a.Logger.Named("silero"))
	default:
		classifier = vad.NewEnergyClassifier(p.VADAggressiveness)
	}
	detector, err := vad.NewDetector(vad.Config{
		SampleRate:       p.VADSampleRate,
		FrameDurationMs:  p.VADFrameDurationMs,
		SilenceThreshold: p.VADSilenceThreshold,
		Aggressiveness:   p.VADAggressiveness,
	}, classifier, a.Logger.Named("vad"))
	if err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	a.Detector = detector
	a.Buffer = audioring.NewStreamBuffer(audioring.StreamBufferConfig{
		MaxChunks: p.BufferMaxSize,
		RingBytes: p.BufferRingBytes,
	}, a.Logger.Named("buffer"))
	a.Processor = pipeline.NewProcessor(pipeline.Config{
		Workers: p.WorkerPoolSize,
		Timeout: p.PipelineTimeout,
	}, a.Logger.Named("pipeline"), a.Metrics)
	a.Recovery = recovery.NewManager(recovery.Config{
		MaxRetries: p.RecoveryMaxRetries,
		BaseDelay:  p.RecoveryBaseDelay,
		MaxDelay:   p.RecoveryMaxDelay,
	}, a.Logger.Named("recovery"), a.Metrics)

	// 4. Connections and presence
	a.Connections = websocket.NewConnectionManager(websocket.Config{
		MaxConnections:  p.MaxConnections,
		IdleTimeout:     p.ConnectionIdleTimeout,
		CleanupInterval: p.CleanupInterval,
	}, a.Logger.Named("connections"), a.Metrics)
	if a.RC != nil {
		a.Presence = presence.NewRedisRepository(a.RC, a.Config.Redis.KeyPrefix)
		a.Connections.SetPresence(a.Presence)
	} else {
		a.Presence = presence.NewNoopRepository()
	}

	// 5. Voice stream system
	a.Voice, err = vss.NewVSS(vss.Deps{
		Detector:  a.Detector,
		Buffer:    a.Buffer,
		Processor: a.Processor,
		Recovery:  a.Recovery,
		Stages:    stages,
		Sender:    a.Connections,
		Logger:    a.Logger.Named("vss"),
		Metrics:   a.Metrics,
	})
	if err != nil {
		return err
	}
	a.registerRecoveryHandlers()

	// 6. Message routing and the socket endpoint
	a.Router = websocket.NewMessageRouter(a.Connections, a.Logger.Named("router"))
	a.Bridge = websocket.NewVSSBridge(a.Logger.Named("bridge"), a.Connections, a.Voice, a.Voice.Status)
	a.Bridge.Register(a.Router)
	a.WSHandler = websocket.NewWebSocketHandler(a.Logger.Named("ws"), a.Connections, a.Router, a.Bridge, a.onDisconnect)
	a.WSHandler.SetAllowedOrigins(a.Config.Server.AllowedOrigins)

	// 7. Background tasks
	a.SysManager = sysmanager.NewSystemManager(a.Logger.Named("sysmanager"))
	a.SysManager.RegisterTask(sysmanager.NewBufferSweepTask(a.Buffer, p.ConnectionIdleTimeout, p.CleanupInterval, a.Logger))
	a.SysManager.RegisterTask(sysmanager.NewOrphanSweepTask(a.Voice, a.Connections.Has, p.CleanupInterval, a.Logger))
	a.SysManager.RegisterTask(sysmanager.NewHeartbeatTask(a.Connections, p.HeartbeatInterval))
	if a.RC != nil {
		a.SysManager.RegisterTask(sysmanager.NewPresenceRefreshTask(a.Presence, a.Connections.ActiveIDs, p.ConnectionIdleTimeout, p.CleanupInterval))
	}

	return nil
}

func (a *App) registerRecoveryHandlers() {
	// resets skip a session that is already speaking its next utterance
	a.Recovery.RegisterHandler(recovery.AudioProcessing, func(_ context.Context, rec recovery.ErrorRecord) error {
		a.Voice.ResetSession(rec.SessionID)
		return nil
	})
	a.Recovery.RegisterHandler(recovery.Timeout, func(_ context.Context, rec recovery.ErrorRecord) error {
		// only the timed-out task; a newer turn for the session keeps running
		if id, ok := rec.Context["task_id"].(uint64); ok {
			a.Processor.CancelTask(rec.SessionID, id)
		}
		a.Voice.ResetSession(rec.SessionID)
		return nil
	})
	a.Recovery.RegisterHandler(recovery.TransportError, func(_ context.Context, rec recovery.ErrorRecord) error {
		if !a.Connections.Send(rec.SessionID, types.NewEvent(types.EventHeartbeat, rec.SessionID, nil)) {
			return fmt.Errorf("session %s did not accept a heartbeat", rec.SessionID)
		}
		return nil
	})
	a.Recovery.RegisterHandler(recovery.ConnectionLost, func(_ context.Context, rec recovery.ErrorRecord) error {
		if !a.Connections.Has(rec.SessionID) {
			a.Voice.EndSession(rec.SessionID)
		}
		return nil
	})
}

// onDisconnect runs after a socket's read loop ends and no replacement
// connection holds the id.
func (a *App) onDisconnect(sessionID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.Recovery.HandleError(a.ctx, recovery.ConnectionLost, "client disconnected", sessionID, nil)
	}()
}

// Start launches the idle sweeper and the periodic tasks.
func (a *App) Start(ctx context.Context) error {
	a.Connections.Start(ctx)
	if err := a.SysManager.Start(); err != nil {
		return err
	}
	a.Logger.Infof("realtime pipeline started (max_connections=%d, workers=%d)",
		a.Config.Pipeline.MaxConnections, a.Config.Pipeline.WorkerPoolSize)
	return nil
}

// Stop disconnects every client and drains in-flight turns until ctx expires.
func (a *App) Stop(ctx context.Context) error {
	var errs []error
	a.stopOnce.Do(func() {
		if err := a.SysManager.Stop(); err != nil {
			errs = append(errs, err)
		}
		a.Connections.Stop()
		a.WSHandler.Close()

		if err := a.Voice.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		a.mu.Lock()
		a.stopped = true
		a.mu.Unlock()
		a.Recovery.Shutdown()
		a.cancel()
		a.wg.Wait()

		if a.metricsShutdown != nil {
			if err := a.metricsShutdown(ctx); err != nil {
				errs = append(errs, fmt.Errorf("metrics shutdown: %w", err))
			}
		}
		if a.RC != nil {
			if err := a.RC.Close(); err != nil {
				errs = append(errs, fmt.Errorf("redis close: %w", err))
			}
		}
		a.Logger.Info("realtime pipeline stopped")
	})
	return errors.Join(errs...)
}

// Ready reports whether shared dependencies are reachable.
func (a *App) Ready(ctx context.Context) error {
	return a.Presence.Ping(ctx)
}

// Stats aggregates every component's counters.
func (a *App) Stats() map[string]any {
	vs := a.Voice.Stats()
	out := map[string]any{
		"pool":      a.Connections.Stats(),
		"router":    a.Router.Stats(),
		"vad":       vs.VAD,
		"buffer":    vs.Buffer,
		"processor": vs.Processor,
	}
	if vs.Recovery != nil {
		out["recovery"] = vs.Recovery
	}
	return out
}

func (a *App) ConnectionCount() int {
	return a.Connections.Count()
}
