package trellis

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"trellis/internal/goroutine"
	"trellis/pkg/logging"
)

// watchdog bounds one StartComponent call. When the deadline expires before
// the start pass finishes, it reconstructs the tree of still-running start
// tasks, captures each one's goroutine stack, logs the rendered tree as a
// single diagnostic entry, and cancels the whole startup scope.
type watchdog struct {
	sup     *Supervisor
	root    Component
	timeout time.Duration
	cancel  context.CancelCauseFunc

	stopped chan struct{}
	once    sync.Once

	mu   sync.Mutex
	diag string
}

func newWatchdog(sup *Supervisor, root Component, timeout time.Duration, cancel context.CancelCauseFunc) *watchdog {
	return &watchdog{
		sup:     sup,
		root:    root,
		timeout: timeout,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
}

// stop cancels the deadline. Called when the start pass finishes in time; the
// watchdog then exits without producing any output.
func (w *watchdog) stop() {
	w.once.Do(func() {
		close(w.stopped)
	})
}

// diagnostic returns the rendered tree of stalled components, or "" when the
// deadline never fired.
func (w *watchdog) diagnostic() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.diag
}

func (w *watchdog) run(ctx context.Context) error {
	timer := time.NewTimer(w.timeout)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return nil
	case <-w.stopped:
		return nil
	case <-timer.C:
	}

	diag := w.renderStalledTree()
	w.mu.Lock()
	w.diag = diag
	w.mu.Unlock()

	logging.Error("Orchestrator", nil,
		"timeout waiting for the root component to start\ncomponents still waiting to finish startup:\n%s",
		indent(diag, "  "))
	w.cancel(errStartupTimedOut)
	return nil
}

// componentStatus is one node of the reconstructed stalled-startup tree.
type componentStatus struct {
	title     string
	path      string
	traceback string
	children  []*componentStatus
}

// renderStalledTree rebuilds the parent/child relationships among the
// in-flight start tasks from their recorded paths and renders them as an
// indented tree, leaves annotated with their captured goroutine stacks.
func (w *watchdog) renderStalledTree() string {
	tasks := w.sup.runningStartTasks()
	stacks := goroutine.CaptureAll()

	rootStatus := &componentStatus{
		title: "root (" + componentTypeName(w.root) + ")",
		path:  "",
	}
	statuses := map[string]*componentStatus{"": rootStatus}
	for _, task := range tasks {
		statuses[task.path] = &componentStatus{
			title:     task.path + " (" + task.typeName + ")",
			path:      task.path,
			traceback: stacks[task.gid],
		}
	}

	paths := make([]string, 0, len(statuses))
	for path := range statuses {
		if path != "" {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	for _, path := range paths {
		status := statuses[path]
		parent := rootStatus
		if p, ok := statuses[parentPath(path)]; ok {
			parent = p
		}
		parent.children = append(parent.children, status)
	}

	return strings.TrimRight(formatStatus(rootStatus, 0), "\n")
}

// formatStatus renders one node: nodes with stalled children show the
// children, leaves show their captured suspension point.
func formatStatus(status *componentStatus, level int) string {
	if len(status.children) > 0 {
		var b strings.Builder
		b.WriteString(status.title + "\n")
		for i, child := range status.children {
			prefix := "| "
			if i == len(status.children)-1 {
				prefix = "  "
			}
			b.WriteString("+-" + indentTree(formatStatus(child, level+1), prefix))
		}
		return b.String()
	}

	traceback := status.traceback
	if traceback == "" {
		traceback = "(no stack captured)"
	}
	traceback = strings.TrimRight(traceback, "\n") + "\n"
	if level == 0 {
		traceback = indent(traceback, "| ")
	}
	return status.title + "\n" + traceback
}

// parentPath strips the last dotted segment from a path.
func parentPath(path string) string {
	if i := strings.LastIndex(path, "."); i >= 0 {
		return path[:i]
	}
	return ""
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

// indentTree indents all lines but the first, continuing the tree drawing.
func indentTree(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if i == 0 || line == "" {
			continue
		}
		lines[i] = prefix + line
	}
	out := strings.Join(lines, "\n")
	if !strings.HasSuffix(out, "\n") {
		out += "\n"
	}
	return out
}
