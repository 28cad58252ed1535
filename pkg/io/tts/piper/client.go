package piper

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxAudioBytes bounds a single synthesized reply (~2 min of 22kHz s16 mono).
const maxAudioBytes = 8 << 20

type Piper struct {
	BaseURL string        // e.g. "http://tts:5000"
	Client  *http.Client  // inject; default if nil
	Voice   string        // default voice (override per-call)
	Timeout time.Duration // request timeout per call
}

func New(bu, voice string) *Piper {
	return &Piper{BaseURL: strings.TrimRight(bu, "/"), Voice: voice}
}

// Synthesize returns the WAV bytes for text in the default voice.
func (p *Piper) Synthesize(ctx context.Context, text string) ([]byte, error) {
	body, _, err := p.DoTTS(ctx, text, "")
	if err != nil {
		return nil, err
	}
	defer body.Close()

	audio, err := io.ReadAll(io.LimitReader(body, maxAudioBytes+1))
	if err != nil {
		return nil, fmt.Errorf("tts read body: %w", err)
	}
	if len(audio) > maxAudioBytes {
		return nil, fmt.Errorf("tts reply exceeds %d bytes", maxAudioBytes)
	}
	return audio, nil
}

// DoTTS streams the WAV body; the caller must Close it.
func (p *Piper) DoTTS(ctx context.Context, text string, optVoice string) (io.ReadCloser, string, error) {
	if strings.TrimSpace(text) == "" {
		return nil, "", errors.New("empty text")
	}
	voice := p.Voice
	if optVoice != "" {
		voice = optVoice
	}

	// rhasspy/wyoming-piper HTTP: GET /api/text-to-speech?text=...&voice=...
	u, err := url.Parse(p.BaseURL + "/api/text-to-speech")
	if err != nil {
		return nil, "", err
	}
	q := u.Query()
	q.Set("text", text)
	if voice != "" {
		q.Set("voice", voice)
	}
	u.RawQuery = q.Encode()

	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		cancel()
		return nil, "", err
	}
	req.Header.Set("Accept", "audio/wav")

	hc := p.Client
	if hc == nil {
		hc = http.DefaultClient
	}

	start := time.Now()
	resp, err := hc.Do(req)
	if err != nil {
		cancel()
		return nil, "", fmt.Errorf("tts http request failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, "", fmt.Errorf("tts http %d: %s (dur=%s)", resp.StatusCode, string(b), time.Since(start))
	}
	return &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}, resp.Header.Get("Content-Type"), nil
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
