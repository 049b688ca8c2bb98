package progress

import (
	"bytes"
	"regexp"
	"strings"
)

// This file is the only place that knows the text format of the build
// toolchain's output.

var releasePattern = regexp.MustCompile(`\[Success\]\s+Release:\s+([0-9a-f]+)`)

var errorMarkers = []string{"[Error]", "[error]", "ERROR:"}

// Sequences that make a terminal overwrite the current line.
var replaceSequences = [][]byte{
	[]byte("\x1b[2K"), // erase line
	[]byte("\x1b[1A"), // cursor up
	[]byte("\x1b[K"),  // erase to end of line
}

// ReleaseCommit extracts the release commit from a sanitized output line.
func ReleaseCommit(line string) (string, bool) {
	m := releasePattern.FindStringSubmatch(line)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// IsError reports whether a sanitized line carries an error marker.
func IsError(line string) bool {
	for _, marker := range errorMarkers {
		if strings.Contains(line, marker) {
			return true
		}
	}
	return false
}

// NeedsReplace reports whether a raw output segment should overwrite the
// previously rendered line: it lacks a trailing newline, or it contains a
// carriage return or a line-clearing escape sequence.
func NeedsReplace(segment []byte) bool {
	if !bytes.HasSuffix(segment, []byte("\n")) {
		return true
	}
	body := bytes.TrimSuffix(bytes.TrimSuffix(segment, []byte("\n")), []byte("\r"))
	if bytes.IndexByte(body, '\r') >= 0 {
		return true
	}
	for _, seq := range replaceSequences {
		if bytes.Contains(body, seq) {
			return true
		}
	}
	return false
}
