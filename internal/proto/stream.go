package proto

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
)

// Meshtastic stream framing, shared by the serial and TCP APIs:
// 0x94 0xC3, big-endian uint16 length, protobuf payload.
const (
	start1         = 0x94
	start2         = 0xC3
	headerLen      = 4
	MaxFrameLength = 512
)

// WriteFrame writes one framed payload to w.
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameLength {
		return fmt.Errorf("%w: frame of %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxFrameLength)
	}
	buf := make([]byte, headerLen+len(payload))
	buf[0], buf[1] = start1, start2
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(payload)))
	copy(buf[headerLen:], payload)
	_, err := w.Write(buf)
	return err
}

// FrameReader extracts framed payloads from a byte stream. Bytes outside a
// frame (the device's debug console output) are skipped.
type FrameReader struct {
	r *bufio.Reader
	// Skipped counts bytes discarded while hunting for a frame header.
	Skipped int
}

// NewFrameReader wraps r.
func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: bufio.NewReaderSize(r, 1024)}
}

// Next returns the next frame payload.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		b, err := fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != start1 {
			fr.Skipped++
			continue
		}
		b, err = fr.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != start2 {
			fr.Skipped++
			if b == start1 {
				_ = fr.r.UnreadByte()
			}
			continue
		}

		var hdr [2]byte
		if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
			return nil, err
		}
		n := int(binary.BigEndian.Uint16(hdr[:]))
		if n > MaxFrameLength {
			// Corrupt length; resynchronise on the next header.
			fr.Skipped += headerLen
			continue
		}
		payload := make([]byte, n)
		if _, err := io.ReadFull(fr.r, payload); err != nil {
			return nil, err
		}
		return payload, nil
	}
}
