package mesh

import (
	"bytes"
	"time"
)

type assembly struct {
	total   int
	size    int
	parts   map[int][]byte
	meta    *ChunkMeta
	created time.Time
}

// completedImage is a fully reassembled chunked transfer.
type completedImage struct {
	MessageID string
	Meta      ChunkMeta
	Data      []byte
	Created   time.Time
}

// reassembler buffers chunked transfers until every index is present.
// Incomplete buffers are dropped by expire; missing chunks are never
// requested again. Transfers larger than maxBytes, or announcing more than
// maxChunks pieces, are refused before anything is buffered.
type reassembler struct {
	buffers   map[string]*assembly
	timeout   time.Duration
	maxBytes  int
	maxChunks int
}

func newReassembler(timeout time.Duration, maxBytes, chunkSize int) *reassembler {
	if chunkSize <= 0 {
		chunkSize = defaultChunkSize
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxImageSize
	}
	return &reassembler{
		buffers:   make(map[string]*assembly),
		timeout:   timeout,
		maxBytes:  maxBytes,
		maxChunks: (maxBytes + chunkSize - 1) / chunkSize,
	}
}

func (r *reassembler) buffer(msgID string, total int, now time.Time) (*assembly, error) {
	a, ok := r.buffers[msgID]
	if !ok {
		if total > r.maxChunks {
			return nil, dropf(ReasonChunk, "message %s: %d chunks exceeds limit %d", msgID, total, r.maxChunks)
		}
		a = &assembly{total: total, parts: make(map[int][]byte), created: now}
		r.buffers[msgID] = a
		return a, nil
	}
	if a.total != total {
		return nil, dropf(ReasonChunk, "message %s: total chunks %d conflicts with %d", msgID, total, a.total)
	}
	return a, nil
}

func (r *reassembler) setMeta(msgID string, a *assembly, m ChunkMeta) error {
	if a.meta != nil {
		return nil
	}
	if m.Size < 0 || m.Size > r.maxBytes {
		delete(r.buffers, msgID)
		return dropf(ReasonChunk, "message %s: size %d exceeds limit %d", msgID, m.Size, r.maxBytes)
	}
	a.meta = &m
	return nil
}

func (r *reassembler) addMetadata(m ImageMetadata, now time.Time) (*completedImage, error) {
	a, err := r.buffer(m.MessageID, m.TotalChunks, now)
	if err != nil {
		return nil, err
	}
	if err := r.setMeta(m.MessageID, a, m.Meta); err != nil {
		return nil, err
	}
	return r.complete(m.MessageID, a)
}

func (r *reassembler) addChunk(c ImageChunk, now time.Time) (*completedImage, error) {
	a, err := r.buffer(c.MessageID, c.TotalChunks, now)
	if err != nil {
		return nil, err
	}
	if c.Meta != nil {
		if err := r.setMeta(c.MessageID, a, *c.Meta); err != nil {
			return nil, err
		}
	}
	if _, dup := a.parts[c.ChunkIndex]; !dup {
		if a.size+len(c.Data) > r.maxBytes {
			delete(r.buffers, c.MessageID)
			return nil, dropf(ReasonChunk, "message %s: assembly exceeds %d bytes", c.MessageID, r.maxBytes)
		}
		a.parts[c.ChunkIndex] = append([]byte(nil), c.Data...)
		a.size += len(c.Data)
	}
	return r.complete(c.MessageID, a)
}

// complete assembles a once every chunk and the metadata are present. An
// assembly whose length disagrees with the announced size is discarded.
func (r *reassembler) complete(msgID string, a *assembly) (*completedImage, error) {
	if a.meta == nil || len(a.parts) != a.total {
		return nil, nil
	}
	delete(r.buffers, msgID)
	if a.size != a.meta.Size {
		return nil, dropf(ReasonChunk, "message %s: assembled %d bytes, announced %d", msgID, a.size, a.meta.Size)
	}
	var buf bytes.Buffer
	buf.Grow(a.size)
	for i := 0; i < a.total; i++ {
		buf.Write(a.parts[i])
	}
	return &completedImage{MessageID: msgID, Meta: *a.meta, Data: buf.Bytes(), Created: a.created}, nil
}

// expire discards buffers older than the reassembly window.
func (r *reassembler) expire(now time.Time) []string {
	var dropped []string
	for id, a := range r.buffers {
		if now.Sub(a.created) >= r.timeout {
			delete(r.buffers, id)
			dropped = append(dropped, id)
		}
	}
	return dropped
}

func (r *reassembler) pending() int { return len(r.buffers) }

// splitChunks cuts data into chunkSize pieces; at least one chunk is returned.
func splitChunks(data []byte, chunkSize int) [][]byte {
	if chunkSize <= 0 || len(data) <= chunkSize {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > 0 {
		n := chunkSize
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}
