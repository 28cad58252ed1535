package vad

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"time"

	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
	"github.com/xpanvictor/xarvis-realtime/pkg/io/stt"
)

// SileroAPIResponse represents the response from Silero VAD service
type SileroAPIResponse struct {
	HasVoice         bool    `json:"has_voice"`
	Confidence       float32 `json:"confidence"`
	ProcessingTimeMs float64 `json:"processing_time_ms"`
}

// SileroClassifier asks a Silero VAD HTTP service about each frame and
// falls back to energy detection when the service is unreachable.
type SileroClassifier struct {
	serviceURL string
	threshold  float32
	httpClient *http.Client
	fallback   *EnergyClassifier
	logger     *Logger.Logger
}

// NewSileroClassifier creates a classifier against serviceURL (e.g.
// http://localhost:8001). aggressiveness picks the fallback threshold.
func NewSileroClassifier(serviceURL string, aggressiveness int, logger *Logger.Logger) *SileroClassifier {
	if logger == nil {
		logger = Logger.Nop()
	}
	return &SileroClassifier{
		serviceURL: serviceURL,
		threshold:  0.3,
		httpClient: &http.Client{Timeout: 2 * time.Second},
		fallback:   NewEnergyClassifier(aggressiveness),
		logger:     logger,
	}
}

func (s *SileroClassifier) IsSpeech(ctx context.Context, frame []byte, sampleRate int) (bool, error) {
	result, err := s.callService(ctx, frame, sampleRate)
	if err != nil {
		s.logger.Warnf("Silero VAD service failed, falling back to energy-based VAD: %v", err)
		return s.fallback.IsSpeech(ctx, frame, sampleRate)
	}
	return result.HasVoice, nil
}

func (s *SileroClassifier) callService(ctx context.Context, frame []byte, sampleRate int) (SileroAPIResponse, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("file", "audio.wav")
	if err != nil {
		return SileroAPIResponse{}, fmt.Errorf("failed to create form file: %w", err)
	}
	if _, err := part.Write(stt.EncodeWAV(frame, sampleRate)); err != nil {
		return SileroAPIResponse{}, fmt.Errorf("failed to write audio data: %w", err)
	}

	writer.WriteField("threshold", fmt.Sprintf("%.3f", s.threshold))
	writer.WriteField("sampling_rate", strconv.Itoa(sampleRate))
	if err := writer.Close(); err != nil {
		return SileroAPIResponse{}, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.serviceURL+"/vad", body)
	if err != nil {
		return SileroAPIResponse{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return SileroAPIResponse{}, fmt.Errorf("failed to call VAD service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return SileroAPIResponse{}, fmt.Errorf("VAD service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var sileroResp SileroAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&sileroResp); err != nil {
		return SileroAPIResponse{}, fmt.Errorf("failed to decode response: %w", err)
	}

	s.logger.Debugf("Silero VAD: hasVoice=%v, confidence=%.3f, processing_time=%.1fms",
		sileroResp.HasVoice, sileroResp.Confidence, sileroResp.ProcessingTimeMs)
	return sileroResp, nil
}
