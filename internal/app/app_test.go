package app_test

import (
	"context"
	"encoding/base64"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/xpanvictor/xarvis-realtime/internal/app"
	"github.com/xpanvictor/xarvis-realtime/internal/config"
	"github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager/pipeline"
	"github.com/xpanvictor/xarvis-realtime/internal/server"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

const frameBytes = 960 // 30ms at 16kHz

func testSettings() *config.Settings {
	return &config.Settings{
		Server: config.ServerConfig{Addr: ":0", Debug: true, Env: "test"},
		Pipeline: config.PipelineConfig{
			MaxConnections:        4,
			ConnectionIdleTimeout: time.Minute,
			CleanupInterval:       time.Minute,
			HeartbeatInterval:     time.Hour,
			BufferMaxSize:         100,
			BufferRingBytes:       256 * 1024,
			VADAggressiveness:     2,
			VADSilenceThreshold:   3,
			VADSampleRate:         16000,
			VADFrameDurationMs:    30,
			VADClassifier:         "energy",
			WorkerPoolSize:        2,
			PipelineTimeout:       5 * time.Second,
			RecoveryMaxRetries:    2,
			RecoveryBaseDelay:     10 * time.Millisecond,
			RecoveryMaxDelay:      50 * time.Millisecond,
		},
		LLM: config.LLMConfig{Provider: "openai"},
	}
}

func fakeStages() pipeline.Stages {
	return pipeline.Stages{
		STT: pipeline.TranscriberFunc(func(_ context.Context, audio []byte) (string, error) {
			return "hello", nil
		}),
		LLM: pipeline.ResponderFunc(func(_ context.Context, text string) (string, error) {
			return "you said " + text, nil
		}),
		TTS: pipeline.SynthesizerFunc(func(_ context.Context, text string) ([]byte, error) {
			return []byte("wav:" + text), nil
		}),
	}
}

func loudFrame() []byte {
	f := make([]byte, frameBytes)
	for i := 0; i < len(f); i += 2 {
		v := int16(16000)
		if (i/2)%2 == 1 {
			v = -16000
		}
		f[i] = byte(uint16(v))
		f[i+1] = byte(uint16(v) >> 8)
	}
	return f
}

func newTestApp(t *testing.T) (*app.App, *httptest.Server) {
	t.Helper()
	return startApp(t, testSettings(), fakeStages())
}

func startApp(t *testing.T, cfg *config.Settings, stages pipeline.Stages) (*app.App, *httptest.Server) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, err := app.NewApp(cfg, Logger.Nop(), nil, app.WithStages(stages))
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	if err := a.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	srv := httptest.NewServer(server.NewRouter(true, server.NewServerDependencies(a)))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.Stop(ctx); err != nil {
			t.Errorf("Stop: %v", err)
		}
	})
	return a, srv
}

func readUntil(t *testing.T, conn *websocket.Conn, eventType string) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s: %v", eventType, err)
		}
		if ev["type"] == eventType {
			return ev
		}
	}
}

func TestVoiceTurnOverWebSocket(t *testing.T) {
	a, srv := newTestApp(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=caller-1"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	readUntil(t, conn, "connection_established")

	for i := 0; i < 4; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, loudFrame()); err != nil {
			t.Fatal(err)
		}
	}
	readUntil(t, conn, "speech_started")
	for i := 0; i < 4; i++ {
		if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, frameBytes)); err != nil {
			t.Fatal(err)
		}
	}
	readUntil(t, conn, "speech_stopped")

	tr := readUntil(t, conn, "transcription_result")
	if tr["text"] != "hello" {
		t.Errorf("transcription = %v", tr)
	}
	vr := readUntil(t, conn, "voice_response")
	audio, _ := base64.StdEncoding.DecodeString(vr["audio_data"].(string))
	if string(audio) != "wav:you said hello" || vr["text"] != "you said hello" {
		t.Errorf("voice_response = %v", vr)
	}

	if got := a.Stats()["processor"].(pipeline.ProcessorStats).Successful; got != 1 {
		t.Errorf("successful turns = %d", got)
	}
}

func TestDisconnectReleasesVoiceState(t *testing.T) {
	a, srv := newTestApp(t)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?session_id=caller-2"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	readUntil(t, conn, "connection_established")
	conn.WriteMessage(websocket.BinaryMessage, loudFrame())
	conn.WriteMessage(websocket.BinaryMessage, loudFrame())
	readUntil(t, conn, "speech_started")
	conn.Close()

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if !a.Connections.Has("caller-2") && len(a.Voice.Sessions()) == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("voice state not released: sessions=%v", a.Voice.Sessions())
}

func TestNewAppRejectsMissingAPIKey(t *testing.T) {
	_, err := app.NewApp(testSettings(), Logger.Nop(), nil)
	if err == nil || !strings.Contains(err.Error(), "openai_api_key") {
		t.Errorf("err = %v", err)
	}
}

func TestReadyWithoutRedis(t *testing.T) {
	a, _ := newTestApp(t)
	if err := a.Ready(context.Background()); err != nil {
		t.Errorf("Ready = %v", err)
	}
}
