package bridge

import (
	"bytes"
	"time"
)

// DiagnosticKind classifies worker output the bridge could not use.
type DiagnosticKind string

const (
	// DiagnosticMalformed is a complete line that is not a response object.
	DiagnosticMalformed DiagnosticKind = "malformed"
	// DiagnosticMissingID is a response without a numeric id.
	DiagnosticMissingID DiagnosticKind = "missing_id"
	// DiagnosticOversized is a line longer than MaxLineBytes.
	DiagnosticOversized DiagnosticKind = "oversized"
	// DiagnosticTruncated is a partial line left when the worker closed stdout.
	DiagnosticTruncated DiagnosticKind = "truncated"
)

const maxDiagnosticLine = 512

// Diagnostic describes discarded worker output. No pending call is failed
// because of it.
type Diagnostic struct {
	Kind DiagnosticKind
	Line string
	Err  error
	At   time.Time
}

func newDiagnostic(kind DiagnosticKind, line []byte, err error) Diagnostic {
	if len(line) > maxDiagnosticLine {
		line = line[:maxDiagnosticLine]
	}
	return Diagnostic{Kind: kind, Line: string(line), Err: err, At: time.Now()}
}

// lineFramer splits a byte stream into lines, carrying incomplete data over
// to the next chunk.
type lineFramer struct {
	buf        []byte
	max        int
	discarding bool
}

func newLineFramer(max int) *lineFramer {
	return &lineFramer{max: max}
}

// Feed consumes a chunk and returns the complete, non-blank lines it
// finishes, without their terminators. dropped counts lines discarded for
// exceeding the size limit.
func (f *lineFramer) Feed(chunk []byte) (lines [][]byte, dropped int) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if f.discarding {
				return lines, dropped
			}
			f.buf = append(f.buf, chunk...)
			if len(f.buf) > f.max {
				f.buf = f.buf[:0]
				f.discarding = true
				dropped++
			}
			return lines, dropped
		}

		part := chunk[:i]
		chunk = chunk[i+1:]
		if f.discarding {
			f.discarding = false
			continue
		}
		if len(f.buf)+len(part) > f.max {
			f.buf = f.buf[:0]
			dropped++
			continue
		}

		var line []byte
		if len(f.buf) > 0 {
			line = append(f.buf, part...)
			f.buf = nil
		} else {
			line = bytes.Clone(part)
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		lines = append(lines, line)
	}
	return lines, dropped
}

// Rest returns buffered data that has not been terminated by a newline.
func (f *lineFramer) Rest() []byte {
	return bytes.TrimSpace(f.buf)
}
