// Package progress writes build progress to HTTP clients as newline
// delimited JSON messages.
package progress

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/gridctl/fleetbuild/pkg/process"
)

// ContentType is the media type of a progress stream.
const ContentType = "application/x-ndjson"

// Message is one rendered progress line.
type Message struct {
	Message string `json:"message"`
	IsError bool   `json:"isError"`
	Replace bool   `json:"replace"`
}

type envelope struct {
	Message Message `json:"message"`
}

// Stream serialises messages onto a writer. It is safe for concurrent use.
type Stream struct {
	mu      sync.Mutex
	w       io.Writer
	flusher http.Flusher
	enc     *json.Encoder
	sent    int
}

// NewStream wraps w. If w is an http.Flusher every message is flushed.
func NewStream(w io.Writer) *Stream {
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	s := &Stream{w: w, enc: enc}
	if f, ok := w.(http.Flusher); ok {
		s.flusher = f
	}
	return s
}

// Send writes one message.
func (s *Stream) Send(m Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.enc.Encode(envelope{Message: m}); err != nil {
		return err
	}
	s.sent++
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}

// Info writes an informational message.
func (s *Stream) Info(text string) error {
	return s.Send(Message{Message: text})
}

// Error writes an error message.
func (s *Stream) Error(text string) error {
	return s.Send(Message{Message: text, IsError: true})
}

// Sent returns the number of messages written so far.
func (s *Stream) Sent() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

// Pipe forwards r until EOF. Each output segment becomes one message with
// its text sanitized; replace and isError are derived from the raw bytes.
// If observe is non-nil it receives every complete sanitized line, even
// when a line spans several reads.
func (s *Stream) Pipe(r io.Reader, observe func(line string)) error {
	var lines *lineSplitter
	if observe != nil {
		lines = &lineSplitter{fn: observe}
	}

	// A failed write stops forwarding but not reading, so the producer
	// never blocks on a full pipe.
	var sendErr error
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := buf[:n]
			if lines != nil {
				lines.write(chunk)
			}
			for _, seg := range Segments(chunk) {
				text := visible(seg)
				if text == "" {
					continue
				}
				if sendErr == nil {
					sendErr = s.Send(Message{
						Message: text,
						IsError: IsError(text),
						Replace: NeedsReplace(seg),
					})
				}
			}
		}
		if err != nil {
			if lines != nil {
				lines.flush()
			}
			if errors.Is(err, io.EOF) {
				return sendErr
			}
			return err
		}
	}
}

// Segments splits a raw chunk after every newline. The last segment has no
// trailing newline if the chunk did not end with one.
func Segments(chunk []byte) [][]byte {
	var out [][]byte
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			out = append(out, chunk)
			break
		}
		out = append(out, chunk[:i+1])
		chunk = chunk[i+1:]
	}
	return out
}

// visible returns what a terminal would show for seg: the text after the
// last carriage return, without escape sequences.
func visible(seg []byte) string {
	body := bytes.TrimRight(seg, "\r\n")
	if i := bytes.LastIndexByte(body, '\r'); i >= 0 {
		if text := process.Sanitize(string(body[i+1:])); text != "" {
			return text
		}
	}
	return process.Sanitize(string(body))
}

// Scan reads r line by line until EOF and passes every sanitized line to
// observe. It is used when output is consumed without a client attached.
// Lines of any length are delivered.
func Scan(r io.Reader, observe func(line string)) error {
	lines := &lineSplitter{fn: observe}
	buf := make([]byte, 32*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			lines.write(buf[:n])
		}
		if err != nil {
			lines.flush()
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

type lineSplitter struct {
	fn      func(string)
	partial []byte
}

func (l *lineSplitter) write(chunk []byte) {
	l.partial = append(l.partial, chunk...)
	for {
		i := bytes.IndexByte(l.partial, '\n')
		if i < 0 {
			return
		}
		l.fn(process.Sanitize(string(l.partial[:i])))
		l.partial = l.partial[i+1:]
	}
}

func (l *lineSplitter) flush() {
	if len(l.partial) > 0 {
		l.fn(process.Sanitize(string(l.partial)))
		l.partial = nil
	}
}
