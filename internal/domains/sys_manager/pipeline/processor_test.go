package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func echoStages() Stages {
	return Stages{
		STT: TranscriberFunc(func(_ context.Context, audio []byte) (string, error) {
			return string(audio), nil
		}),
		LLM: ResponderFunc(func(_ context.Context, text string) (string, error) {
			return "re: " + text, nil
		}),
		TTS: SynthesizerFunc(func(_ context.Context, text string) ([]byte, error) {
			return []byte(text), nil
		}),
	}
}

func TestSubmitSuccess(t *testing.T) {
	p := NewProcessor(DefaultConfig(), nil, nil)

	res := p.Submit(context.Background(), "s1", []byte("hello"), echoStages())
	if !res.Success {
		t.Fatalf("Submit failed: %s", res.Error)
	}
	if res.Text != "hello" || res.Response != "re: hello" || string(res.AudioData) != "re: hello" {
		t.Errorf("result = %+v", res)
	}
	if res.SessionID != "s1" {
		t.Errorf("session id = %q", res.SessionID)
	}

	stats := p.Stats()
	if stats.TotalSubmitted != 1 || stats.Successful != 1 || stats.SuccessRate != 1 {
		t.Errorf("stats = %+v", stats)
	}
	if len(p.ActiveSessions()) != 0 {
		t.Errorf("task left behind: %v", p.ActiveSessions())
	}
}

func TestSubmitEmptyStageOutputs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Stages)
		want   string
	}{
		{"blank transcript", func(s *Stages) {
			s.STT = TranscriberFunc(func(context.Context, []byte) (string, error) { return "   ", nil })
		}, MsgNoText},
		{"empty response", func(s *Stages) {
			s.LLM = ResponderFunc(func(context.Context, string) (string, error) { return "", nil })
		}, MsgNoResponse},
		{"empty audio", func(s *Stages) {
			s.TTS = SynthesizerFunc(func(context.Context, string) ([]byte, error) { return nil, nil })
		}, MsgNoAudioResponse},
		{"missing stage", func(s *Stages) { s.TTS = nil }, MsgStageMissing},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewProcessor(DefaultConfig(), nil, nil)
			stages := echoStages()
			tt.mutate(&stages)

			res := p.Submit(context.Background(), "s1", []byte("hi"), stages)
			if res.Success || res.Error != tt.want {
				t.Errorf("result = %+v, want error %q", res, tt.want)
			}
			if p.Stats().Failed != 1 {
				t.Errorf("failed = %d, want 1", p.Stats().Failed)
			}
		})
	}
}

func TestSubmitStageErrorAndPanic(t *testing.T) {
	p := NewProcessor(DefaultConfig(), nil, nil)

	stages := echoStages()
	stages.LLM = ResponderFunc(func(context.Context, string) (string, error) {
		return "", errors.New("model offline")
	})
	res := p.Submit(context.Background(), "s1", []byte("hi"), stages)
	if res.Success || res.Text != "hi" || res.Error == "" {
		t.Errorf("stage error result = %+v", res)
	}

	stages = echoStages()
	stages.TTS = SynthesizerFunc(func(context.Context, string) ([]byte, error) {
		panic("voice missing")
	})
	res = p.Submit(context.Background(), "s1", []byte("hi"), stages)
	if res.Success || res.Error == "" {
		t.Errorf("panic result = %+v", res)
	}
	if p.Stats().Failed != 2 {
		t.Errorf("failed = %d, want 2", p.Stats().Failed)
	}
}

func TestSubmitTimeout(t *testing.T) {
	p := NewProcessor(Config{Workers: 1, Timeout: 50 * time.Millisecond}, nil, nil)

	stages := echoStages()
	stages.STT = TranscriberFunc(func(ctx context.Context, _ []byte) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})

	res := p.Submit(context.Background(), "s1", []byte("hi"), stages)
	if !res.TimedOut || res.Error != MsgTimeout {
		t.Fatalf("result = %+v, want timeout", res)
	}
	if p.Stats().TimedOut != 1 {
		t.Errorf("timed out = %d, want 1", p.Stats().TimedOut)
	}
}

func TestSubmitSupersedesPreviousRun(t *testing.T) {
	p := NewProcessor(DefaultConfig(), nil, nil)

	started := make(chan struct{})
	slow := echoStages()
	slow.STT = TranscriberFunc(func(ctx context.Context, _ []byte) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	first := make(chan ProcessingResult, 1)
	go func() {
		first <- p.Submit(context.Background(), "s1", []byte("old"), slow)
	}()
	<-started

	second := p.Submit(context.Background(), "s1", []byte("new"), echoStages())
	old := <-first

	if !old.Cancelled || old.Success {
		t.Errorf("first result = %+v, want cancelled", old)
	}
	if !second.Success || second.Text != "new" {
		t.Errorf("second result = %+v", second)
	}
	if got := p.Stats().CancelledProcessed; got != 1 {
		t.Errorf("cancelled_processed = %d, want 1", got)
	}
}

func TestCancel(t *testing.T) {
	p := NewProcessor(DefaultConfig(), nil, nil)
	if p.Cancel("nobody") {
		t.Error("Cancel of unknown session returned true")
	}

	started := make(chan struct{})
	stages := echoStages()
	stages.STT = TranscriberFunc(func(ctx context.Context, _ []byte) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	})

	done := make(chan ProcessingResult, 1)
	go func() { done <- p.Submit(context.Background(), "s1", []byte("x"), stages) }()
	<-started

	if _, ok := p.Status("s1"); !ok {
		t.Error("missing status for running task")
	}
	if !p.Cancel("s1") {
		t.Fatal("Cancel returned false")
	}
	if res := <-done; !res.Cancelled {
		t.Errorf("result = %+v, want cancelled", res)
	}
}

func TestCancelTaskSparesNewerRun(t *testing.T) {
	p := NewProcessor(Config{Workers: 2, Timeout: 30 * time.Millisecond}, nil, nil)

	hang := echoStages()
	hang.STT = TranscriberFunc(func(ctx context.Context, _ []byte) (string, error) {
		<-ctx.Done()
		return "", ctx.Err()
	})
	stale := p.Submit(context.Background(), "s1", []byte("x"), hang)
	if !stale.TimedOut || stale.TaskID == 0 {
		t.Fatalf("first result = %+v, want timeout with task id", stale)
	}

	started := make(chan struct{})
	release := make(chan struct{})
	slow := echoStages()
	slow.STT = TranscriberFunc(func(_ context.Context, audio []byte) (string, error) {
		close(started)
		<-release
		return string(audio), nil
	})
	p.cfg.Timeout = time.Second
	done := make(chan ProcessingResult, 1)
	go func() { done <- p.Submit(context.Background(), "s1", []byte("next"), slow) }()
	<-started

	if p.CancelTask("s1", stale.TaskID) {
		t.Error("CancelTask cancelled a newer run")
	}
	close(release)
	res := <-done
	if !res.Success || res.Text != "next" || res.TaskID == stale.TaskID {
		t.Errorf("second result = %+v", res)
	}
	if got := p.Stats().CancelledProcessed; got != 0 {
		t.Errorf("cancelled_processed = %d, want 0", got)
	}
}

func TestSessionsRunInParallel(t *testing.T) {
	p := NewProcessor(Config{Workers: 4, Timeout: time.Second}, nil, nil)

	var mu sync.Mutex
	inFlight, peak := 0, 0
	release := make(chan struct{})
	stages := echoStages()
	stages.STT = TranscriberFunc(func(_ context.Context, audio []byte) (string, error) {
		mu.Lock()
		inFlight++
		if inFlight > peak {
			peak = inFlight
		}
		mu.Unlock()
		<-release
		mu.Lock()
		inFlight--
		mu.Unlock()
		return string(audio), nil
	})

	var wg sync.WaitGroup
	for _, id := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if res := p.Submit(context.Background(), id, []byte(id), stages); !res.Success {
				t.Errorf("session %s: %s", id, res.Error)
			}
		}(id)
	}

	deadline := time.After(time.Second)
	for {
		mu.Lock()
		n := inFlight
		mu.Unlock()
		if n == 3 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("only %d sessions running concurrently", n)
		case <-time.After(5 * time.Millisecond):
		}
	}
	close(release)
	wg.Wait()

	if peak != 3 {
		t.Errorf("peak concurrency = %d, want 3", peak)
	}
}

func TestShutdownRejectsNewWork(t *testing.T) {
	p := NewProcessor(DefaultConfig(), nil, nil)
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	res := p.Submit(context.Background(), "s1", []byte("x"), echoStages())
	if res.Success || res.Error != ErrProcessorClosed.Error() {
		t.Errorf("result after shutdown = %+v", res)
	}
}
