package waitdetect

import "sync"

// Buffer holds the unread part of a wrapped command's output. The PTY
// wrapper writes to it while a single detector reads from it; offsets are
// absolute positions in the output stream.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	base    int
	stopped bool
}

func (b *Buffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		b.base += len(p)
		return len(p), nil
	}
	b.data = append(b.data, p...)
	return len(p), nil
}

// Since returns a copy of everything written after offset and the new end
// offset. Output up to the returned end is released.
func (b *Buffer) Since(offset int) ([]byte, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	end := b.base + len(b.data)
	start := max(offset-b.base, 0)
	if start >= len(b.data) {
		b.release(end)
		return nil, end
	}
	out := make([]byte, len(b.data)-start)
	copy(out, b.data[start:])
	b.release(end)
	return out, end
}

func (b *Buffer) release(end int) {
	b.data = nil
	b.base = end
}

// Stop discards all further output. The detector calls it once it fires.
func (b *Buffer) Stop() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	b.data = nil
}
