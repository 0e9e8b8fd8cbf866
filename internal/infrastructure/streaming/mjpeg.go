package streaming

import (
	"context"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/textproto"
	"strconv"

	"camstream/internal/core/domain"
	"camstream/internal/core/ports"
)

const Boundary = "frame"

// ContentType is the response header value for an MJPEG stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

type flusher interface {
	Flush()
}

// MJPEGWriter writes frames as parts of a multipart/x-mixed-replace body.
type MJPEGWriter struct {
	mw    *multipart.Writer
	flush func()
}

func NewMJPEGWriter(w io.Writer) *MJPEGWriter {
	mw := multipart.NewWriter(w)
	// The boundary is a fixed token so it can never fail validation.
	_ = mw.SetBoundary(Boundary)

	m := &MJPEGWriter{mw: mw, flush: func() {}}
	if f, ok := w.(flusher); ok {
		m.flush = f.Flush
	}
	return m
}

func (m *MJPEGWriter) WriteFrame(f domain.Frame) error {
	header := make(textproto.MIMEHeader, 2)
	header.Set("Content-Type", "image/jpeg")
	header.Set("Content-Length", strconv.Itoa(len(f.Data)))

	part, err := m.mw.CreatePart(header)
	if err != nil {
		return fmt.Errorf("failed to start part: %w", err)
	}
	if _, err := part.Write(f.Data); err != nil {
		return fmt.Errorf("failed to write frame %d: %w", f.Seq, err)
	}
	m.flush()
	return nil
}

// Pump copies frames from reader to w until the stream ends, ctx is done,
// or a write fails. A normal end of stream returns a nil error.
func Pump(ctx context.Context, reader ports.FrameReader, w *MJPEGWriter) (int, error) {
	sent := 0
	for {
		frame, err := reader.Next(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrStreamEnded) || errors.Is(err, context.Canceled) {
				return sent, nil
			}
			return sent, err
		}
		if err := w.WriteFrame(frame); err != nil {
			return sent, err
		}
		sent++
	}
}
