package websocket

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/xpanvictor/xarvis-realtime/internal/types"
	"github.com/xpanvictor/xarvis-realtime/pkg/Logger"
)

// AudioSink receives decoded PCM for a session; implemented by the voice
// stream system.
type AudioSink interface {
	HandleAudio(ctx context.Context, sessionID string, pcm []byte) error
}

// StatusFunc reports per-session pipeline state for status_query.
type StatusFunc func(sessionID string) map[string]any

// VSSBridge connects routed messages to the voice stream system and answers
// the generic control messages.
type VSSBridge struct {
	logger *Logger.Logger
	conns  *ConnectionManager
	sink   AudioSink
	status StatusFunc
}

func NewVSSBridge(logger *Logger.Logger, conns *ConnectionManager, sink AudioSink, status StatusFunc) *VSSBridge {
	if logger == nil {
		logger = Logger.Nop()
	}
	return &VSSBridge{logger: logger, conns: conns, sink: sink, status: status}
}

// Register installs the bridge's handlers on r.
func (b *VSSBridge) Register(r *MessageRouter) {
	r.RegisterHandler(MessageTypeAudioStream, b.handleAudioStream)
	r.RegisterHandler(MessageTypeHeartbeat, b.handleHeartbeat)
	r.RegisterHandler(MessageTypePing, b.handlePing)
	r.RegisterHandler(MessageTypeStatusQuery, b.handleStatusQuery)
}

func (b *VSSBridge) handleAudioStream(ctx context.Context, sessionID string, msg Message) error {
	encoded, ok := msg["audio_data"].(string)
	if !ok || encoded == "" {
		return &ReplyError{Code: types.CodeInvalidField, Type: "validation_error", Message: "audio_data must be a non-empty base64 string"}
	}
	pcm, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return &ReplyError{Code: types.CodeInvalidField, Type: "validation_error", Message: "audio_data is not valid base64"}
	}
	if format, _ := msg["format"].(string); format != "" && format != "pcm_s16le" && format != "pcm" {
		b.logger.Debugf("session %s sent audio format %q, treating as pcm_s16le", sessionID, format)
	}
	return b.HandleBinary(ctx, sessionID, pcm)
}

// HandleBinary forwards raw PCM from a binary frame.
func (b *VSSBridge) HandleBinary(ctx context.Context, sessionID string, pcm []byte) error {
	if b.sink == nil {
		return errors.New("audio input not available")
	}
	if err := b.sink.HandleAudio(ctx, sessionID, pcm); err != nil {
		return fmt.Errorf("audio ingestion: %w", err)
	}
	return nil
}

func (b *VSSBridge) handleHeartbeat(_ context.Context, sessionID string, _ Message) error {
	b.conns.Send(sessionID, types.NewEvent(types.EventHeartbeatAck, sessionID, nil))
	return nil
}

func (b *VSSBridge) handlePing(_ context.Context, sessionID string, msg Message) error {
	fields := map[string]any{}
	if id, ok := msg["id"]; ok {
		fields["id"] = id
	}
	b.conns.Send(sessionID, types.NewEvent(types.EventPong, sessionID, fields))
	return nil
}

func (b *VSSBridge) handleStatusQuery(_ context.Context, sessionID string, _ Message) error {
	fields := map[string]any{}
	if s := b.conns.Get(sessionID); s != nil {
		fields["connection"] = s.Info()
	}
	if b.status != nil {
		for k, v := range b.status(sessionID) {
			fields[k] = v
		}
	}
	b.conns.Send(sessionID, types.NewEvent(types.EventStatus, sessionID, fields))
	return nil
}
