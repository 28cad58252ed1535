package whisper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
	"github.com/xpanvictor/xarvis-realtime/pkg/io/stt"
)

// TranscriptionResponse represents the response from Whisper STT service
type TranscriptionResponse struct {
	Text     string                 `json:"text"`
	Language string                 `json:"language"`
	Segments []TranscriptionSegment `json:"segments,omitempty"`
}

// TranscriptionSegment represents a timed segment of transcription
type TranscriptionSegment struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	ID    int     `json:"id"`
}

// WhisperClient handles communication with a whisper-asr-webservice instance
type WhisperClient struct {
	baseURL       string
	sampleRate    int
	language      string
	initialPrompt string
	httpClient    *http.Client
	logger        *Logger.Logger
}

// NewWhisperClient creates a new Whisper client for 16-bit mono PCM at sampleRate.
func NewWhisperClient(baseURL string, sampleRate int, logger *Logger.Logger) *WhisperClient {
	if sampleRate <= 0 {
		sampleRate = stt.DefaultSampleRate
	}
	if logger == nil {
		logger = Logger.Nop()
	}
	return &WhisperClient{
		baseURL:       strings.TrimRight(baseURL, "/"),
		sampleRate:    sampleRate,
		language:      "en",
		initialPrompt: "take note of word: xarvis",
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

// Transcribe returns the text spoken in pcm.
func (w *WhisperClient) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	res, err := w.TranscribeAudio(ctx, pcm)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(res.Text), nil
}

// TranscribeAudio sends the utterance as WAV and returns the full response.
func (w *WhisperClient) TranscribeAudio(ctx context.Context, pcm []byte) (*TranscriptionResponse, error) {
	if len(pcm) == 0 {
		return nil, errors.New("no audio provided")
	}

	var body bytes.Buffer
	writer := multipart.NewWriter(&body)
	part, err := writer.CreateFormFile("audio_file", "audio.wav")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(stt.EncodeWAV(pcm, w.sampleRate)); err != nil {
		return nil, fmt.Errorf("failed to write audio data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	q := url.Values{}
	q.Set("encode", "true")
	q.Set("task", "transcribe")
	q.Set("language", w.language)
	q.Set("output", "json")
	q.Set("initial_prompt", w.initialPrompt)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.baseURL+"/asr?"+q.Encode(), &body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	responseBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("whisper service returned status %d: %s", resp.StatusCode, string(responseBody))
	}
	if len(responseBody) == 0 {
		return nil, errors.New("whisper service returned empty response")
	}

	var transcription TranscriptionResponse
	if err := json.Unmarshal(responseBody, &transcription); err != nil {
		// some deployments answer output=json with plain text
		w.logger.Debugf("treating whisper response as plain text (%d bytes)", len(responseBody))
		return &TranscriptionResponse{Text: string(responseBody), Language: w.language}, nil
	}

	w.logger.Debugf("Whisper transcription: %s (language: %s)", transcription.Text, transcription.Language)
	return &transcription, nil
}
