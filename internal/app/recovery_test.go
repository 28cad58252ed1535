package app_test

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager/pipeline"
	"github.com/xpanvictor/xarvis-realtime/internal/domains/sys_manager/recovery"
)

func dialSession(t *testing.T, url, sessionID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http")+"/ws?session_id="+sessionID, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	readUntil(t, conn, "connection_established")
	return conn
}

func sendFrames(t *testing.T, conn *websocket.Conn, loud bool, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		frame := make([]byte, frameBytes)
		if loud {
			frame = loudFrame()
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
			t.Fatal(err)
		}
	}
}

// collectUntil returns the event types read up to and including eventType.
func collectUntil(t *testing.T, conn *websocket.Conn, eventType string) []string {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var seen []string
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("waiting for %s after %v: %v", eventType, seen, err)
		}
		kind, _ := ev["type"].(string)
		seen = append(seen, kind)
		if kind == eventType {
			return seen
		}
	}
}

func count(kinds []string, kind string) int {
	n := 0
	for _, k := range kinds {
		if k == kind {
			n++
		}
	}
	return n
}

func waitRecovered(t *testing.T, a interface{ Stats() map[string]any }) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if rs, ok := a.Stats()["recovery"].(*recovery.RecoveryStats); ok && rs.RecoveredErrors > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("recovery never completed")
}

func TestTimeoutRecoveryLeavesNextTurnRunning(t *testing.T) {
	cfg := testSettings()
	cfg.Pipeline.PipelineTimeout = 300 * time.Millisecond
	cfg.Pipeline.RecoveryBaseDelay = 150 * time.Millisecond
	cfg.Pipeline.RecoveryMaxDelay = time.Second

	var calls atomic.Int32
	stages := fakeStages()
	stages.STT = pipeline.TranscriberFunc(func(ctx context.Context, _ []byte) (string, error) {
		if calls.Add(1) == 1 {
			<-ctx.Done()
			return "", ctx.Err()
		}
		// still transcribing when the recovery backoff expires
		time.Sleep(300 * time.Millisecond)
		return "hello", nil
	})
	a, srv := startApp(t, cfg, stages)
	conn := dialSession(t, srv.URL, "caller-timeout")

	sendFrames(t, conn, true, 4)
	sendFrames(t, conn, false, 4)
	readUntil(t, conn, "error")

	sendFrames(t, conn, true, 4)
	sendFrames(t, conn, false, 4)
	kinds := collectUntil(t, conn, "voice_response")
	if count(kinds, "transcription_result") != 1 {
		t.Errorf("second turn events = %v", kinds)
	}

	waitRecovered(t, a)
	ps := a.Stats()["processor"].(pipeline.ProcessorStats)
	if ps.TimedOut != 1 || ps.Successful != 1 || ps.CancelledProcessed != 0 {
		t.Errorf("processor stats = %+v", ps)
	}
}

func TestAudioRecoveryKeepsUtteranceInProgress(t *testing.T) {
	cfg := testSettings()
	cfg.Pipeline.RecoveryBaseDelay = 200 * time.Millisecond
	cfg.Pipeline.RecoveryMaxDelay = time.Second

	var mu sync.Mutex
	var heard []int
	stages := fakeStages()
	stages.STT = pipeline.TranscriberFunc(func(_ context.Context, audio []byte) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		heard = append(heard, len(audio))
		if len(heard) == 1 {
			return "", nil
		}
		return "hello", nil
	})
	a, srv := startApp(t, cfg, stages)
	conn := dialSession(t, srv.URL, "caller-reset")

	sendFrames(t, conn, true, 4)
	sendFrames(t, conn, false, 4)
	readUntil(t, conn, "error")

	// the reset lands while this utterance is being spoken
	sendFrames(t, conn, true, 4)
	time.Sleep(300 * time.Millisecond)
	waitRecovered(t, a)
	sendFrames(t, conn, true, 4)
	sendFrames(t, conn, false, 4)

	kinds := collectUntil(t, conn, "voice_response")
	if n := count(kinds, "speech_started"); n != 1 {
		t.Errorf("speech_started sent %d times in %v", n, kinds)
	}
	mu.Lock()
	defer mu.Unlock()
	// eight loud frames plus the three silent ones that end speech
	if want := 11 * frameBytes; len(heard) != 2 || heard[1] != want {
		t.Errorf("transcribed lengths = %v, want second of %d", heard, want)
	}
}
