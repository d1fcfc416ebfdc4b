package core

import (
	"io"
	"strings"
	"sync"
)

// Stream identifies which logical stream a chunk was written to.
type Stream int

const (
	// StreamPrimary is the stdout analogue.
	StreamPrimary Stream = iota
	// StreamSecondary is the stderr analogue.
	StreamSecondary
)

func (s Stream) String() string {
	if s == StreamSecondary {
		return "secondary"
	}
	return "primary"
}

// Chunk is one write into an OutputCapture.
type Chunk struct {
	Seq    uint64
	Stream Stream
	Text   string
}

// OutputObserver is notified of every chunk, in append order.
type OutputObserver func(executionID string, chunk Chunk)

// OutputCapture is the append-only output sink of exactly one execution.
//
// Work never finds its capture through ambient state: the ExecutionContext
// hands out this pointer, and every callback the work registers closes over
// it. Writes that happen after the record turned terminal still land here.
type OutputCapture struct {
	executionID string

	mu        sync.Mutex
	chunks    []Chunk
	observers map[uint64]OutputObserver
	nextObs   uint64
	mirror    io.Writer
}

// NewOutputCapture creates an empty capture. mirror, when non-nil, also
// receives every chunk's text (the host console).
func NewOutputCapture(executionID string, mirror io.Writer) *OutputCapture {
	return &OutputCapture{
		executionID: executionID,
		observers:   make(map[uint64]OutputObserver),
		mirror:      mirror,
	}
}

// ExecutionID returns the execution this capture belongs to.
func (c *OutputCapture) ExecutionID() string {
	return c.executionID
}

// Push appends one chunk. Empty text is ignored.
//
// Observers run while the capture lock is held, which is what makes their
// view strictly ordered; they must not write back into the same capture.
func (c *OutputCapture) Push(stream Stream, text string) {
	if text == "" {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	chunk := Chunk{Seq: uint64(len(c.chunks)), Stream: stream, Text: text}
	c.chunks = append(c.chunks, chunk)

	if c.mirror != nil {
		_, _ = io.WriteString(c.mirror, text)
	}
	for _, obs := range c.observers {
		obs(c.executionID, chunk)
	}
}

// Subscribe registers an observer for chunks pushed from now on and returns
// a function removing it.
func (c *OutputCapture) Subscribe(obs OutputObserver) (unsubscribe func()) {
	c.mu.Lock()
	defer c.mu.Unlock()

	id := c.nextObs
	c.nextObs++
	c.observers[id] = obs

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.observers, id)
			c.mu.Unlock()
		})
	}
}

// Chunks returns a copy of everything captured so far.
func (c *OutputCapture) Chunks() []Chunk {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Chunk, len(c.chunks))
	copy(out, c.chunks)
	return out
}

// Len returns the number of chunks captured so far.
func (c *OutputCapture) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.chunks)
}

// Text joins every chunk of stream, in order.
func (c *OutputCapture) Text(stream Stream) string {
	return joinChunks(c.Chunks(), stream)
}

// Writer returns an io.Writer pushing into stream; each Write is one chunk.
func (c *OutputCapture) Writer(stream Stream) io.Writer {
	return &captureWriter{capture: c, stream: stream}
}

type captureWriter struct {
	capture *OutputCapture
	stream  Stream
}

func (w *captureWriter) Write(p []byte) (int, error) {
	w.capture.Push(w.stream, string(p))
	return len(p), nil
}

func joinChunks(chunks []Chunk, stream Stream) string {
	var b strings.Builder
	for _, ch := range chunks {
		if ch.Stream == stream {
			b.WriteString(ch.Text)
		}
	}
	return b.String()
}
