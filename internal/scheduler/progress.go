package scheduler

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/distr1/envbind/internal/dag"
	"github.com/mattn/go-isatty"
)

// progressReporter draws one status line per in-flight node in a wave,
// redrawing in place with an ANSI cursor-restore escape. It is a no-op
// against anything that isn't a terminal, so piped/logged output (CI, `|
// tee`) stays clean.
type progressReporter struct {
	mu      sync.Mutex
	out     io.Writer
	enabled bool
	status  []string
}

// fder is satisfied by *os.File; kept narrow so tests can pass any writer.
type fder interface {
	Fd() uintptr
}

func newProgressReporter(out io.Writer) *progressReporter {
	enabled := false
	if f, ok := out.(fder); ok {
		enabled = isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return &progressReporter{out: out, enabled: enabled}
}

func nodeLabel(n dag.Node, status string) string {
	kind := "build"
	if n.Kind == dag.KindBind {
		kind = "bind"
	}
	h := string(n.Hash)
	if len(h) > 12 {
		h = h[:12]
	}
	return fmt.Sprintf("%s %s: %s", kind, h, status)
}

func (p *progressReporter) start(nodes []dag.Node) {
	if p == nil || !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = make([]string, len(nodes))
	for i, n := range nodes {
		p.status[i] = nodeLabel(n, "pending")
	}
	p.redrawLocked()
}

func (p *progressReporter) update(idx int, line string) {
	if p == nil || !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if diff := len(p.status[idx]) - len(line); diff > 0 {
		line += strings.Repeat(" ", diff)
	}
	p.status[idx] = line
	p.redrawLocked()
}

func (p *progressReporter) redrawLocked() {
	for _, line := range p.status {
		fmt.Fprintln(p.out, line)
	}
	fmt.Fprintf(p.out, "\033[%dA", len(p.status))
}

// finish moves the cursor past the drawn status lines, leaving the last
// frame on screen, so subsequent log output doesn't overwrite it.
func (p *progressReporter) finish() {
	if p == nil || !p.enabled {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for range p.status {
		fmt.Fprintln(p.out)
	}
	p.status = nil
}
