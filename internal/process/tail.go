package process

import (
	"bytes"
	"strings"
	"sync"
)

// maxPartial bounds the buffered unterminated line so a subprocess spewing
// newline-free output cannot grow memory without bound.
const maxPartial = 4096

// lineTail is an io.Writer that remembers the most recent non-empty line it
// has seen. It sits on the subprocess's stderr next to the log writer so the
// supervisor can attach a last-error detail to fatal reports.
type lineTail struct {
	mu      sync.Mutex
	partial []byte
	last    string
}

func newLineTail() *lineTail { return &lineTail{} }

func (t *lineTail) Write(b []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.partial = append(t.partial, b...)
	for {
		i := bytes.IndexByte(t.partial, '\n')
		if i < 0 {
			break
		}
		line := strings.TrimSpace(string(t.partial[:i]))
		t.partial = t.partial[i+1:]
		if line != "" {
			t.last = line
		}
	}
	if len(t.partial) > maxPartial {
		t.partial = t.partial[len(t.partial)-maxPartial:]
	}
	return len(b), nil
}

// Last returns the most recent non-empty line; an unterminated trailing line
// counts once the stream ends mid-line.
func (t *lineTail) Last() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if line := strings.TrimSpace(string(t.partial)); line != "" {
		return line
	}
	return t.last
}
