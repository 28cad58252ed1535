package audioring

import (
	"encoding/binary"
	"errors"
	"time"
)

var (
	ErrEmptyChunk    = errors.New("audio chunk is empty")
	ErrChunkTooLarge = errors.New("audio chunk too large for buffer")
	errCorruptFrame  = errors.New("corrupt chunk frame")
)

// chunkHeaderSize is timestamp(8) + sequence(8) + dataLen(4).
const chunkHeaderSize = 8 + 8 + 4

// AudioChunk is one immutable piece of client audio. Buffers hand out copies,
// never the stored bytes.
type AudioChunk struct {
	Data      []byte
	Timestamp time.Time
	Sequence  uint64
	SessionID string
}

func (a *AudioChunk) MarshalBinary() ([]byte, error) {
	buf := make([]byte, chunkHeaderSize+len(a.Data))

	offset := 0
	binary.LittleEndian.PutUint64(buf[offset:], uint64(a.Timestamp.UnixNano()))
	offset += 8

	binary.LittleEndian.PutUint64(buf[offset:], a.Sequence)
	offset += 8

	binary.LittleEndian.PutUint32(buf[offset:], uint32(len(a.Data)))
	offset += 4

	copy(buf[offset:], a.Data)

	return buf, nil
}

// UnmarshalBinary decodes a chunk written by MarshalBinary. SessionID is not
// part of the encoding; the owning buffer restores it.
func (a *AudioChunk) UnmarshalBinary(data []byte) error {
	if len(data) < chunkHeaderSize {
		return errCorruptFrame
	}

	offset := 0
	a.Timestamp = time.Unix(0, int64(binary.LittleEndian.Uint64(data[offset:])))
	offset += 8

	a.Sequence = binary.LittleEndian.Uint64(data[offset:])
	offset += 8

	dataLen := int(binary.LittleEndian.Uint32(data[offset:]))
	offset += 4

	if len(data[offset:]) < dataLen {
		return errCorruptFrame
	}
	a.Data = make([]byte, dataLen)
	copy(a.Data, data[offset:offset+dataLen])

	return nil
}

// MaxChunkBytes bounds the payload of a single chunk.
const MaxChunkBytes = 1 << 20

// AudioRingBuffer stores chunks for one session in insertion order. Once it
// holds Capacity chunks, each new one drops the oldest.
type AudioRingBuffer interface {
	// Enqueue appends a chunk and reports how many old chunks were evicted to
	// make room for it.
	Enqueue(chunk AudioChunk) (evicted int, err error)
	Dequeue() (AudioChunk, bool)
	PeekN(n int) []AudioChunk
	// Len is the number of stored chunks.
	Len() int
	// Size is the number of stored payload bytes.
	Size() int
	Capacity() int
	Reset()
}
