package pipe

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/p-arndt/sandpipe/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newFIFO(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.pipe")
	require.NoError(t, Create(path))
	return path
}

func nextWithin(t *testing.T, r *Reader, d time.Duration) protocol.Message {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	msg, err := r.Next(ctx)
	require.NoError(t, err)
	return msg
}

func TestCreateSetsModeAndReplaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0644))

	require.NoError(t, Create(path))
	assert.True(t, IsFIFO(path))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(FIFOMode), info.Mode().Perm())

	require.NoError(t, Remove(path, filepath.Join(t.TempDir(), "missing")))
	assert.False(t, IsFIFO(path))
}

func TestReaderWriterRoundTrip(t *testing.T) {
	path := newFIFO(t)
	r := NewReader(path, testLogger())
	defer r.Close()

	w, err := OpenWriter(context.Background(), path, WriterOptions{OpenTimeout: 2 * time.Second})
	require.NoError(t, err)
	defer w.Close()

	ctx := context.Background()
	require.NoError(t, w.Send(ctx, &protocol.Request{ID: "r1", Kind: protocol.KindTask, Task: &protocol.Task{Name: "sync"}}))
	require.NoError(t, w.Send(ctx, &protocol.StdoutChunk{RequestID: "r1", Data: "hello"}))
	require.NoError(t, w.Send(ctx, &protocol.Shutdown{Reason: "done"}))

	msg := nextWithin(t, r, 2*time.Second)
	req, ok := msg.(*protocol.Request)
	require.True(t, ok)
	assert.Equal(t, "r1", req.ID)
	assert.Equal(t, "sync", req.Task.Name)

	assert.IsType(t, &protocol.StdoutChunk{}, nextWithin(t, r, 2*time.Second))
	assert.IsType(t, &protocol.Shutdown{}, nextWithin(t, r, 2*time.Second))
}

func TestReaderReopensAfterWriterCloses(t *testing.T) {
	path := newFIFO(t)
	r := NewReader(path, testLogger())
	defer r.Close()

	opts := WriterOptions{OpenTimeout: 2 * time.Second}
	w1, err := OpenWriter(context.Background(), path, opts)
	require.NoError(t, err)
	require.NoError(t, w1.Send(context.Background(), &protocol.Shutdown{Reason: "first"}))
	require.NoError(t, w1.Close())

	first := nextWithin(t, r, 2*time.Second).(*protocol.Shutdown)
	assert.Equal(t, "first", first.Reason)

	w2, err := OpenWriter(context.Background(), path, opts)
	require.NoError(t, err)
	defer w2.Close()
	require.NoError(t, w2.Send(context.Background(), &protocol.Shutdown{Reason: "second"}))

	second := nextWithin(t, r, 2*time.Second).(*protocol.Shutdown)
	assert.Equal(t, "second", second.Reason)
}

func TestConcurrentSendsDoNotInterleave(t *testing.T) {
	path := newFIFO(t)
	r := NewReader(path, testLogger())
	defer r.Close()

	w, err := OpenWriter(context.Background(), path, WriterOptions{OpenTimeout: 2 * time.Second, MaxRetries: 50})
	require.NoError(t, err)
	defer w.Close()

	const senders = 16
	payload := strings.Repeat("x", 100*1024)

	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, w.Send(context.Background(), &protocol.StreamChunk{RequestID: "big", ChunkIndex: i, Data: payload}))
		}(i)
	}

	seen := make(map[int]bool)
	for i := 0; i < senders; i++ {
		chunk := nextWithin(t, r, 5*time.Second).(*protocol.StreamChunk)
		assert.Len(t, chunk.Data, len(payload))
		seen[chunk.ChunkIndex] = true
	}
	wg.Wait()
	assert.Len(t, seen, senders)
}

func TestReaderSkipsMalformedLines(t *testing.T) {
	path := newFIFO(t)
	r := NewReader(path, testLogger())
	defer r.Close()

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	good, err := protocol.Encode(&protocol.Shutdown{Reason: "ok"})
	require.NoError(t, err)
	_, err = f.Write(append([]byte("not json\n\n"), good...))
	require.NoError(t, err)

	msg := nextWithin(t, r, 2*time.Second)
	assert.Equal(t, "ok", msg.(*protocol.Shutdown).Reason)
}

func TestReaderJoinsSplitFrames(t *testing.T) {
	path := newFIFO(t)
	r := NewReader(path, testLogger())
	defer r.Close()

	f, err := os.OpenFile(path, os.O_WRONLY, 0)
	require.NoError(t, err)
	defer f.Close()

	frame, err := protocol.Encode(&protocol.StreamEnd{RequestID: "s", TotalChunks: 4})
	require.NoError(t, err)
	half := len(frame) / 2
	_, err = f.Write(frame[:half])
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	_, err = f.Write(frame[half:])
	require.NoError(t, err)

	end := nextWithin(t, r, 2*time.Second).(*protocol.StreamEnd)
	assert.Equal(t, 4, end.TotalChunks)
}

func TestReaderCloseUnblocksPendingOpen(t *testing.T) {
	path := newFIFO(t)
	r := NewReader(path, testLogger())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, r.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := r.Next(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpenWriterWithoutReaderTimesOut(t *testing.T) {
	path := newFIFO(t)
	_, err := OpenWriter(context.Background(), path, WriterOptions{OpenTimeout: 50 * time.Millisecond})
	assert.ErrorIs(t, err, ErrNoReader)
}

func TestWriteFailsWhenPipeStaysFull(t *testing.T) {
	path := newFIFO(t)

	// Hold the read end open without ever reading.
	rfd, err := unix.Open(path, unix.O_RDONLY|unix.O_NONBLOCK, 0)
	require.NoError(t, err)
	defer unix.Close(rfd)

	w, err := OpenWriter(context.Background(), path, WriterOptions{MaxRetries: 2, BaseBackoff: time.Millisecond})
	require.NoError(t, err)
	defer w.Close()

	big := strings.Repeat("y", 512*1024)
	err = w.Send(context.Background(), &protocol.StreamChunk{RequestID: "full", Data: big})
	assert.ErrorIs(t, err, ErrWriteRetriesExhausted)
}

func TestSendAfterCloseFails(t *testing.T) {
	path := newFIFO(t)
	r := NewReader(path, testLogger())
	defer r.Close()

	w, err := OpenWriter(context.Background(), path, WriterOptions{OpenTimeout: 2 * time.Second})
	require.NoError(t, err)
	require.NoError(t, w.Close())

	err = w.Send(context.Background(), &protocol.Shutdown{})
	assert.ErrorIs(t, err, ErrClosed)
}
