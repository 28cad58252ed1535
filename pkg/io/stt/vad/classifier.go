package vad

import (
	"context"
	"fmt"
)

// Classifier labels one fixed-size PCM frame as speech or not.
type Classifier interface {
	IsSpeech(ctx context.Context, frame []byte, sampleRate int) (bool, error)
}

// ClassifierFunc adapts a plain function to Classifier.
type ClassifierFunc func(ctx context.Context, frame []byte, sampleRate int) (bool, error)

func (f ClassifierFunc) IsSpeech(ctx context.Context, frame []byte, sampleRate int) (bool, error) {
	return f(ctx, frame, sampleRate)
}

// energy thresholds indexed by aggressiveness; higher filters more noise
var energyThresholds = [...]float64{0.0002, 0.0005, 0.001, 0.003}

// EnergyClassifier flags frames whose normalized mean-square energy is above
// a threshold.
type EnergyClassifier struct {
	Threshold float64
}

// NewEnergyClassifier maps aggressiveness 0..3 onto an energy threshold.
func NewEnergyClassifier(aggressiveness int) *EnergyClassifier {
	if aggressiveness < 0 {
		aggressiveness = 0
	}
	if aggressiveness >= len(energyThresholds) {
		aggressiveness = len(energyThresholds) - 1
	}
	return &EnergyClassifier{Threshold: energyThresholds[aggressiveness]}
}

func (e *EnergyClassifier) IsSpeech(_ context.Context, frame []byte, _ int) (bool, error) {
	if len(frame)%2 != 0 {
		return false, fmt.Errorf("odd frame length %d for 16-bit PCM", len(frame))
	}
	return Energy(frame) > e.Threshold, nil
}

// Energy returns the mean-square energy of 16-bit little endian PCM,
// normalized to 0..1.
func Energy(pcm []byte) float64 {
	samples := len(pcm) / 2
	if samples == 0 {
		return 0
	}

	var sum float64
	for i := 0; i+1 < len(pcm); i += 2 {
		sample := float64(int16(uint16(pcm[i]) | uint16(pcm[i+1])<<8))
		sum += sample * sample
	}
	return sum / float64(samples) / (32768.0 * 32768.0)
}
