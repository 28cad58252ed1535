package audioring

import (
	"encoding/binary"

	"github.com/smallnest/ringbuffer"
)

// rb_impl stores length-prefixed chunk frames in a byte ring that grows
// when full. Only the chunk count bound evicts.
type rb_impl struct {
	maxChunks int
	count     int
	payload   int
	rb        *ringbuffer.RingBuffer
}

// Capacity implements AudioRingBuffer.
func (r *rb_impl) Capacity() int {
	return r.maxChunks
}

// Len implements AudioRingBuffer.
func (r *rb_impl) Len() int {
	return r.count
}

// Size implements AudioRingBuffer.
func (r *rb_impl) Size() int {
	return r.payload
}

// Dequeue implements AudioRingBuffer.
func (r *rb_impl) Dequeue() (AudioChunk, bool) {
	frame, ok := r.readFrame()
	if !ok {
		return AudioChunk{}, false
	}

	var chunk AudioChunk
	if err := chunk.UnmarshalBinary(frame); err != nil {
		r.Reset()
		return AudioChunk{}, false
	}
	r.count--
	r.payload -= len(chunk.Data)
	return chunk, true
}

// Enqueue implements AudioRingBuffer.
func (r *rb_impl) Enqueue(chunk AudioChunk) (int, error) {
	if len(chunk.Data) == 0 {
		return 0, ErrEmptyChunk
	}
	data, err := chunk.MarshalBinary()
	if err != nil {
		return 0, err
	}

	if len(chunk.Data) > MaxChunkBytes {
		return 0, ErrChunkTooLarge
	}
	// size prefix + frame
	requiredSpace := len(data) + 4

	evicted := 0
	for r.count >= r.maxChunks {
		if !r.removeOldestFrame() {
			// the ring no longer parses; start over rather than serve garbage
			evicted += r.count
			r.Reset()
			break
		}
		evicted++
	}
	if r.rb.Free() < requiredSpace {
		r.grow(requiredSpace)
	}

	sizeBytes := make([]byte, 4)
	binary.LittleEndian.PutUint32(sizeBytes, uint32(len(data)))
	if _, err := r.rb.Write(sizeBytes); err != nil {
		return evicted, err
	}
	if _, err := r.rb.Write(data); err != nil {
		return evicted, err
	}

	r.count++
	r.payload += len(chunk.Data)
	return evicted, nil
}

// grow moves the stored frames into a ring with room for need more bytes.
func (r *rb_impl) grow(need int) {
	size := r.rb.Capacity() * 2
	for size-r.rb.Length() < need {
		size *= 2
	}
	next := ringbuffer.New(size).SetBlocking(false)
	if !r.rb.IsEmpty() {
		next.Write(r.rb.Bytes(nil))
	}
	r.rb = next
}

// readFrame consumes one length-prefixed frame from the ring.
func (r *rb_impl) readFrame() ([]byte, bool) {
	if r.rb.IsEmpty() {
		return nil, false
	}

	sizeBytes := make([]byte, 4)
	n, err := r.rb.Read(sizeBytes)
	if err != nil || n != 4 {
		return nil, false
	}
	size := int(binary.LittleEndian.Uint32(sizeBytes))
	if size < chunkHeaderSize {
		return nil, false
	}

	frame := make([]byte, size)
	n, err = r.rb.Read(frame)
	if err != nil || n != size {
		return nil, false
	}
	return frame, true
}

// removeOldestFrame drops the oldest chunk from the ring.
func (r *rb_impl) removeOldestFrame() bool {
	frame, ok := r.readFrame()
	if !ok {
		return false
	}
	r.count--
	r.payload -= len(frame) - chunkHeaderSize
	return true
}

// PeekN implements AudioRingBuffer. It decodes up to n chunks, oldest first,
// without consuming them.
func (r *rb_impl) PeekN(n int) []AudioChunk {
	if n > r.count {
		n = r.count
	}
	result := make([]AudioChunk, 0, n)
	if n <= 0 || r.rb.IsEmpty() {
		return result
	}

	data := r.rb.Bytes(nil)
	offset := 0
	for len(result) < n && offset+4 <= len(data) {
		size := int(binary.LittleEndian.Uint32(data[offset:]))
		offset += 4
		if offset+size > len(data) {
			break
		}

		var chunk AudioChunk
		if err := chunk.UnmarshalBinary(data[offset : offset+size]); err != nil {
			break
		}
		result = append(result, chunk)
		offset += size
	}

	return result
}

// Reset implements AudioRingBuffer.
func (r *rb_impl) Reset() {
	r.rb.Reset()
	r.count = 0
	r.payload = 0
}

// New creates a ring holding at most maxChunks chunks. ringBytes is the
// initial storage; it doubles whenever a chunk does not fit. Not safe for concurrent use; StreamBuffer serializes access.
func New(maxChunks, ringBytes int) AudioRingBuffer {
	if maxChunks <= 0 {
		maxChunks = DefaultMaxChunks
	}
	if ringBytes <= 0 {
		ringBytes = DefaultRingBytes
	}
	return &rb_impl{
		maxChunks: maxChunks,
		rb:        ringbuffer.New(ringBytes).SetBlocking(false),
	}
}
