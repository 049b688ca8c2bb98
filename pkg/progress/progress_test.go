package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"testing/iotest"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, raw string) []Message {
	t.Helper()
	var out []Message
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var env struct {
			Message Message `json:"message"`
		}
		require.NoError(t, json.Unmarshal([]byte(line), &env), "line %q", line)
		out = append(out, env.Message)
	}
	return out
}

func TestStream_WireFormat(t *testing.T) {
	rec := httptest.NewRecorder()
	s := NewStream(rec)

	require.NoError(t, s.Info("Uploading <source>"))
	require.NoError(t, s.Error("build failed"))

	assert.Equal(t,
		`{"message":{"message":"Uploading <source>","isError":false,"replace":false}}`+"\n"+
			`{"message":{"message":"build failed","isError":true,"replace":false}}`+"\n",
		rec.Body.String())
	assert.True(t, rec.Flushed)
	assert.Equal(t, 2, s.Sent())
}

func TestStream_Pipe(t *testing.T) {
	var buf bytes.Buffer
	s := NewStream(&buf)

	raw := "Step 1/2 : FROM alpine\n" +
		"Downloading 10%\r\x1b[2KDownloading 20%\n" +
		"\x1b[31m[Error]\x1b[0m Build failed\n" +
		"\n" +
		"Pushing 3/7"

	var lines []string
	require.NoError(t, s.Pipe(strings.NewReader(raw), func(l string) { lines = append(lines, l) }))

	assert.Equal(t, []Message{
		{Message: "Step 1/2 : FROM alpine"},
		{Message: "Downloading 20%", Replace: true},
		{Message: "[Error] Build failed", IsError: true},
		{Message: "Pushing 3/7", Replace: true},
	}, decode(t, buf.String()))

	assert.Equal(t, "[Error] Build failed", lines[2])
	assert.Equal(t, "Pushing 3/7", lines[len(lines)-1])
}

func TestStream_PipeObservesLinesAcrossReads(t *testing.T) {
	s := NewStream(&bytes.Buffer{})

	var commit string
	r := iotest.OneByteReader(strings.NewReader("[Info] Uploading\n\x1b[32m[Success]\x1b[0m Release: 6a1b2c3d\n"))
	require.NoError(t, s.Pipe(r, func(l string) {
		if c, ok := ReleaseCommit(l); ok {
			commit = c
		}
	}))

	assert.Equal(t, "6a1b2c3d", commit)
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("broken pipe") }

func TestStream_PipeKeepsReadingAfterWriteFailure(t *testing.T) {
	s := NewStream(failingWriter{})

	var seen int
	err := s.Pipe(strings.NewReader("a\nb\nc\n"), func(string) { seen++ })

	assert.Error(t, err)
	assert.Equal(t, 3, seen)
}

func TestScan(t *testing.T) {
	var lines []string
	require.NoError(t, Scan(strings.NewReader("one\n\x1b[1mtwo\x1b[0m\n"), func(l string) { lines = append(lines, l) }))
	assert.Equal(t, []string{"one", "two"}, lines)
}

func TestScan_MarkerAfterVeryLongLine(t *testing.T) {
	input := strings.Repeat("x", 2<<20) + "\n[Success] Release: 0f3c9a1\ntail"

	var commit string
	var count int
	err := Scan(strings.NewReader(input), func(l string) {
		count++
		if c, ok := ReleaseCommit(l); ok {
			commit = c
		}
	})
	require.NoError(t, err)
	assert.Equal(t, "0f3c9a1", commit)
	assert.Equal(t, 3, count, "the unterminated last line is delivered too")
}

func TestReleaseCommit(t *testing.T) {
	tests := []struct {
		line   string
		commit string
		ok     bool
	}{
		{"[Success] Release: 0f3c9a1", "0f3c9a1", true},
		{"[Success]   Release:   deadbeef (id: 1234)", "deadbeef", true},
		{"[Info] Release: deadbeef", "", false},
		{"[Success] Release: XYZ", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		commit, ok := ReleaseCommit(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.commit, commit, tt.line)
	}
}

func TestIsError(t *testing.T) {
	assert.True(t, IsError("[Error] Could not build"))
	assert.True(t, IsError("[error] lower case"))
	assert.True(t, IsError("ERROR: denied"))
	assert.False(t, IsError("[Warn] errors may follow"))
}

func TestNeedsReplace(t *testing.T) {
	tests := []struct {
		seg  string
		want bool
	}{
		{"plain line\n", false},
		{"windows line\r\n", false},
		{"no newline", true},
		{"10%\r20%\n", true},
		{"\x1b[2Kcleared\n", true},
		{"\x1b[1Aup\n", true},
		{"\x1b[32mcolour only\x1b[0m\n", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, NeedsReplace([]byte(tt.seg)), "%q", tt.seg)
	}
}

func TestSegments(t *testing.T) {
	got := Segments([]byte("a\nb\nc"))
	require.Len(t, got, 3)
	assert.Equal(t, "a\n", string(got[0]))
	assert.Equal(t, "c", string(got[2]))
	assert.Empty(t, Segments(nil))
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestSpin(t *testing.T) {
	out := &syncBuffer{}
	s := NewStream(out)

	err := s.Spin(context.Background(), "Generating deltas", func(ctx context.Context) error {
		time.Sleep(350 * time.Millisecond)
		return nil
	})
	require.NoError(t, err)

	msgs := decode(t, out.String())
	require.GreaterOrEqual(t, len(msgs), 4)

	assert.Equal(t, Message{Message: "Generating deltas |"}, msgs[0])
	for _, m := range msgs[1 : len(msgs)-1] {
		assert.True(t, m.Replace)
		assert.True(t, strings.HasPrefix(m.Message, "Generating deltas "))
	}
	assert.Equal(t, Message{Message: "Generating deltas", Replace: true}, msgs[len(msgs)-1])

	// The ticker must be gone once Spin returns.
	n := s.Sent()
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, n, s.Sent())
}

func TestSpin_StepErrorStillStops(t *testing.T) {
	out := &syncBuffer{}
	s := NewStream(out)
	boom := errors.New("delta service unavailable")

	err := s.Spin(context.Background(), "Finalizing release", func(ctx context.Context) error {
		return boom
	})
	assert.ErrorIs(t, err, boom)

	msgs := decode(t, out.String())
	assert.Equal(t, Message{Message: "Finalizing release", Replace: true}, msgs[len(msgs)-1])

	n := s.Sent()
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, n, s.Sent())
}

func TestSpin_StepPanicStillStops(t *testing.T) {
	out := &syncBuffer{}
	s := NewStream(out)

	func() {
		defer func() { _ = recover() }()
		_ = s.Spin(context.Background(), "Working", func(ctx context.Context) error {
			panic("boom")
		})
	}()

	msgs := decode(t, out.String())
	assert.Equal(t, Message{Message: "Working", Replace: true}, msgs[len(msgs)-1])
}
