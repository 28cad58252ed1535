package audioring

import (
	"bytes"
	"errors"
	"testing"
	"time"
)

func TestAudioChunkBinaryRoundTrip(t *testing.T) {
	in := AudioChunk{
		Data:      []byte{1, 2, 3, 4, 5},
		Timestamp: time.Unix(1700000000, 12345),
		Sequence:  42,
	}
	data, err := in.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}

	var out AudioChunk
	if err := out.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if !bytes.Equal(out.Data, in.Data) || out.Sequence != in.Sequence || !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("round trip mismatch: got %+v, want %+v", out, in)
	}

	if err := out.UnmarshalBinary(data[:chunkHeaderSize-1]); err == nil {
		t.Error("expected error for truncated header")
	}
	if err := out.UnmarshalBinary(data[:len(data)-1]); err == nil {
		t.Error("expected error for truncated payload")
	}
}

func TestRingEnqueueDequeueOrder(t *testing.T) {
	rb := New(10, 4096)

	for i := 1; i <= 3; i++ {
		if _, err := rb.Enqueue(AudioChunk{Data: []byte{byte(i)}, Sequence: uint64(i)}); err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
	}
	if rb.Len() != 3 || rb.Size() != 3 {
		t.Fatalf("Len/Size = %d/%d, want 3/3", rb.Len(), rb.Size())
	}

	for i := 1; i <= 3; i++ {
		c, ok := rb.Dequeue()
		if !ok {
			t.Fatalf("Dequeue %d: empty", i)
		}
		if c.Sequence != uint64(i) || c.Data[0] != byte(i) {
			t.Errorf("Dequeue %d: got seq %d data %v", i, c.Sequence, c.Data)
		}
	}
	if _, ok := rb.Dequeue(); ok {
		t.Error("expected empty ring")
	}
	if rb.Len() != 0 || rb.Size() != 0 {
		t.Errorf("Len/Size after drain = %d/%d", rb.Len(), rb.Size())
	}
}

func TestRingEvictsByCount(t *testing.T) {
	rb := New(3, 4096)

	totalEvicted := 0
	for i := 1; i <= 5; i++ {
		n, err := rb.Enqueue(AudioChunk{Data: []byte{byte(i)}, Sequence: uint64(i)})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		totalEvicted += n
	}

	if totalEvicted != 2 {
		t.Errorf("evicted = %d, want 2", totalEvicted)
	}
	got := rb.PeekN(10)
	if len(got) != 3 {
		t.Fatalf("PeekN len = %d, want 3", len(got))
	}
	for i, c := range got {
		if c.Sequence != uint64(i+3) {
			t.Errorf("chunk %d has sequence %d, want %d", i, c.Sequence, i+3)
		}
	}
}

func TestRingGrowsInsteadOfEvicting(t *testing.T) {
	frame := 4 + chunkHeaderSize + 100
	rb := New(100, frame*2)

	for i := 1; i <= 5; i++ {
		n, err := rb.Enqueue(AudioChunk{Data: []byte{byte(i), 99: 0}, Sequence: uint64(i)})
		if err != nil {
			t.Fatalf("Enqueue %d: %v", i, err)
		}
		if n != 0 {
			t.Errorf("Enqueue %d evicted %d", i, n)
		}
	}
	got := rb.PeekN(10)
	if len(got) != 5 || rb.Size() != 500 {
		t.Fatalf("Len/Size = %d/%d, want 5/500", len(got), rb.Size())
	}
	for i, c := range got {
		if c.Sequence != uint64(i+1) || c.Data[0] != byte(i+1) || len(c.Data) != 100 {
			t.Errorf("chunk %d = seq %d first byte %d len %d", i, c.Sequence, c.Data[0], len(c.Data))
		}
	}

	// a chunk larger than the whole initial ring
	if _, err := rb.Enqueue(AudioChunk{Data: make([]byte, frame*4), Sequence: 6}); err != nil {
		t.Fatalf("large Enqueue: %v", err)
	}
	if c, ok := rb.Dequeue(); !ok || c.Sequence != 1 {
		t.Errorf("Dequeue after growth = %+v", c)
	}
}

func TestRingRejects(t *testing.T) {
	rb := New(10, 64)

	if _, err := rb.Enqueue(AudioChunk{}); !errors.Is(err, ErrEmptyChunk) {
		t.Errorf("empty chunk err = %v", err)
	}
	if _, err := rb.Enqueue(AudioChunk{Data: make([]byte, MaxChunkBytes+1)}); !errors.Is(err, ErrChunkTooLarge) {
		t.Errorf("large chunk err = %v", err)
	}
	if rb.Len() != 0 {
		t.Errorf("Len = %d after rejects", rb.Len())
	}
}

func TestRingPeekDoesNotConsume(t *testing.T) {
	rb := New(10, 4096)
	rb.Enqueue(AudioChunk{Data: []byte("ab"), Sequence: 1})
	rb.Enqueue(AudioChunk{Data: []byte("cd"), Sequence: 2})

	if got := rb.PeekN(1); len(got) != 1 || string(got[0].Data) != "ab" {
		t.Errorf("PeekN(1) = %+v", got)
	}
	if got := rb.PeekN(5); len(got) != 2 {
		t.Errorf("PeekN(5) len = %d, want 2", len(got))
	}
	if rb.Len() != 2 {
		t.Errorf("Len = %d after peek", rb.Len())
	}

	rb.Reset()
	if rb.Len() != 0 || len(rb.PeekN(5)) != 0 {
		t.Error("ring not empty after Reset")
	}
}
