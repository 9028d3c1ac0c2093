package shellexec

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a scripted [Runner] for tests. Responses are matched against
// the space-joined command line by longest registered prefix. Unmatched
// commands succeed with empty output unless Strict is set, in which case
// they fail with ErrNotStarted.
type Fake struct {
	Strict bool

	mu        sync.Mutex
	responses map[string][]FakeResponse
	calls     []string
}

// FakeResponse is one scripted outcome. When a prefix has several
// queued responses they are consumed in order and the last one repeats.
type FakeResponse struct {
	Output   string
	ExitCode int
	Err      error
}

// On queues responses for command lines starting with prefix.
func (f *Fake) On(prefix string, responses ...FakeResponse) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.responses == nil {
		f.responses = make(map[string][]FakeResponse)
	}
	f.responses[prefix] = append(f.responses[prefix], responses...)
	return f
}

// Run implements [Runner].
func (f *Fake) Run(_ context.Context, name string, args ...string) (*Result, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, line)

	best := ""
	found := false
	for prefix := range f.responses {
		if strings.HasPrefix(line, prefix) && len(prefix) >= len(best) {
			best, found = prefix, true
		}
	}
	if !found {
		if f.Strict {
			return nil, fmt.Errorf("%w: %s: no scripted response", ErrNotStarted, name)
		}
		return &Result{}, nil
	}

	queue := f.responses[best]
	resp := queue[0]
	if len(queue) > 1 {
		f.responses[best] = queue[1:]
	}

	if resp.Err != nil {
		return nil, resp.Err
	}
	result := &Result{Output: resp.Output, ExitCode: resp.ExitCode}
	if resp.ExitCode != 0 {
		return result, fmt.Errorf("%w: %s exited %d", ErrFailed, name, resp.ExitCode)
	}
	return result, nil
}

// Calls returns every command line run so far.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

// Count returns how many recorded command lines start with prefix.
func (f *Fake) Count(prefix string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

// Reset forgets recorded calls. Scripted responses are kept.
func (f *Fake) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = nil
}
