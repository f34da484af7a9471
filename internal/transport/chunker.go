package transport

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"
)

const (
	DefaultMaxFrameSize = 200
	DefaultFramePacing  = 200 * time.Millisecond

	// MaxFrames bounds how many frames one message may take.
	MaxFrames = 999
	// MarkerReserve is the longest position marker, "(999/999) ". A link
	// must accept MaxFrameSize+MarkerReserve bytes per frame.
	MarkerReserve = len("(999/999) ")
)

// Frame is one unit of text transmitted over the radio link.
type Frame struct {
	Index int // 1-based
	Total int
	Text  string // raw slice of the original message, at most MaxFrameSize bytes
}

// Payload returns the text as transmitted. Multi-frame messages carry an
// "(i/n) " position marker in front of the raw slice; the marker is not
// counted against the frame budget and adds at most MarkerReserve bytes.
func (f Frame) Payload() string {
	if f.Total <= 1 {
		return f.Text
	}
	return fmt.Sprintf("(%d/%d) %s", f.Index, f.Total, f.Text)
}

// FrameWriter transmits a single frame.
type FrameWriter interface {
	WriteFrame(ctx context.Context, f Frame) error
}

// FrameWriterFunc adapts a function to FrameWriter.
type FrameWriterFunc func(ctx context.Context, f Frame) error

func (fn FrameWriterFunc) WriteFrame(ctx context.Context, f Frame) error { return fn(ctx, f) }

// Chunker splits messages into frames and paces their emission.
type Chunker struct {
	MaxFrameSize int
	Pacing       time.Duration
	log          *zap.Logger
}

// NewChunker returns a Chunker. Non-positive values fall back to the defaults.
func NewChunker(maxFrameSize int, pacing time.Duration, log *zap.Logger) *Chunker {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if pacing < 0 {
		pacing = DefaultFramePacing
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Chunker{MaxFrameSize: maxFrameSize, Pacing: pacing, log: log}
}

// Split cuts text into ordered frames of at most maxFrameSize bytes each.
// Cuts land on rune boundaries, so ASCII text yields ceil(len/maxFrameSize)
// frames and multi-byte text may need a few more. A single rune wider than
// the budget gets a frame of its own.
func Split(text string, maxFrameSize int) []Frame {
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	if text == "" {
		return nil
	}

	var slices []string
	rest := text
	for len(rest) > 0 {
		cut := len(rest)
		if cut > maxFrameSize {
			cut = maxFrameSize
			for cut > 0 && !utf8.RuneStart(rest[cut]) {
				cut--
			}
			if cut == 0 {
				_, cut = utf8.DecodeRuneInString(rest)
			}
		}
		slices = append(slices, rest[:cut])
		rest = rest[cut:]
	}

	frames := make([]Frame, len(slices))
	for i, sl := range slices {
		frames[i] = Frame{Index: i + 1, Total: len(slices), Text: sl}
	}
	return frames
}

// Split cuts text using the chunker's frame budget.
func (c *Chunker) Split(text string) []Frame {
	return Split(text, c.MaxFrameSize)
}

// SendAll writes frames strictly in order with the pacing delay between
// consecutive frames. The first failure aborts the remaining frames.
func (c *Chunker) SendAll(ctx context.Context, frames []Frame, w FrameWriter) error {
	if len(frames) > 1 {
		c.log.Debug("chunker: splitting message", zap.Int("frames", len(frames)))
	}
	for i, f := range frames {
		if i > 0 && c.Pacing > 0 {
			if err := sleep(ctx, c.Pacing); err != nil {
				return fmt.Errorf("transport: frame %d/%d: %w", f.Index, f.Total, err)
			}
		}
		if err := w.WriteFrame(ctx, f); err != nil {
			c.log.Warn("chunker: frame write failed",
				zap.Int("frame", f.Index),
				zap.Int("total", f.Total),
				zap.Error(err),
			)
			return fmt.Errorf("transport: frame %d/%d: %w", f.Index, f.Total, err)
		}
	}
	return nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
