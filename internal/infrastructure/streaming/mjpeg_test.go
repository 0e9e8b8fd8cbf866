package streaming

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMJPEGWriter_PartsAreParseable(t *testing.T) {
	var buf bytes.Buffer
	w := NewMJPEGWriter(&buf)

	h := newTestHub()
	require.NoError(t, w.WriteFrame(h.Publish([]byte{0xFF, 0xD8, 0x01, 0xFF, 0xD9})))
	require.NoError(t, w.WriteFrame(h.Publish([]byte{0xFF, 0xD8, 0x02, 0xFF, 0xD9})))

	mr := multipart.NewReader(&buf, Boundary)
	for i := byte(1); i <= 2; i++ {
		part, err := mr.NextPart()
		require.NoError(t, err)
		assert.Equal(t, "image/jpeg", part.Header.Get("Content-Type"))
		assert.Equal(t, "5", part.Header.Get("Content-Length"))

		body, err := io.ReadAll(part)
		require.NoError(t, err)
		assert.Equal(t, i, body[2])
	}
}

func TestPump_StopsCleanlyWhenStreamEnds(t *testing.T) {
	h := newTestHub()
	r := h.Attach()
	rec := httptest.NewRecorder()
	w := NewMJPEGWriter(rec)

	go func() {
		for i := 0; i < 3; i++ {
			h.Publish([]byte("jpeg"))
			time.Sleep(10 * time.Millisecond)
		}
		h.End()
	}()

	sent, err := Pump(context.Background(), r, w)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, sent, 1)
	assert.True(t, rec.Flushed)
	assert.Contains(t, rec.Body.String(), "--"+Boundary)
}

func TestPump_ReturnsOnCancel(t *testing.T) {
	h := newTestHub()
	r := h.Attach()
	w := NewMJPEGWriter(io.Discard)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	sent, err := Pump(ctx, r, w)
	assert.Equal(t, 0, sent)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
