package planning

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/qwdingyu/testflow/internal/event"
	"github.com/qwdingyu/testflow/internal/observability"
	"github.com/qwdingyu/testflow/internal/orchestrator"
)

const defaultWidth = 100

// styles are bound to a renderer so colors are dropped for non-terminals.
type styles struct {
	header  lipgloss.Style
	ok      lipgloss.Style
	failed  lipgloss.Style
	skipped lipgloss.Style
	muted   lipgloss.Style
}

func newStyles(w io.Writer) styles {
	r := lipgloss.NewRenderer(w)
	return styles{
		header:  r.NewStyle().Bold(true),
		ok:      r.NewStyle().Foreground(lipgloss.Color("2")),
		failed:  r.NewStyle().Foreground(lipgloss.Color("1")).Bold(true),
		skipped: r.NewStyle().Foreground(lipgloss.Color("3")),
		muted:   r.NewStyle().Foreground(lipgloss.Color("8")),
	}
}

// terminalWidth returns the width of w when it is a terminal.
func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok || !term.IsTerminal(int(f.Fd())) {
		return defaultWidth
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return defaultWidth
	}
	return width
}

func truncate(s string, width int) string {
	if width <= 3 || lipgloss.Width(s) <= width {
		return s
	}
	r := []rune(s)
	if len(r) <= width-3 {
		return s
	}
	return string(r[:width-3]) + "..."
}

func plural(n int, word string) string {
	if n == 1 {
		return fmt.Sprintf("%d %s", n, word)
	}
	return fmt.Sprintf("%d %ss", n, word)
}

// renderResult writes a per-task summary of res.
func renderResult(w io.Writer, res *orchestrator.Result) {
	st := newStyles(w)
	width := terminalWidth(w)

	status := st.ok.Render("PASSED")
	if !res.Success {
		status = st.failed.Render("FAILED")
	}
	fmt.Fprintf(w, "%s %s  %s  %s\n",
		st.header.Render("Plan:"), res.Plan, status,
		st.muted.Render(fmt.Sprintf("run %s in %s", res.RunID, res.Duration().Round(time.Millisecond))))

	tasks := res.Ordered()
	idWidth := 0
	for _, tr := range tasks {
		idWidth = max(idWidth, lipgloss.Width(tr.TaskID))
	}

	for _, tr := range tasks {
		var mark, state string
		switch tr.Outcome() {
		case observability.OutcomeCompletedOK:
			mark, state = st.ok.Render("✓"), st.ok.Render("passed ")
		case observability.OutcomeCompletedFailed:
			mark, state = st.failed.Render("✗"), st.failed.Render("failed ")
		case observability.OutcomeCanceled:
			mark, state = st.skipped.Render("-"), st.skipped.Render("cancel ")
		default:
			mark, state = st.skipped.Render("-"), st.skipped.Render("skipped")
		}

		line := fmt.Sprintf("  %s %-*s  %s", mark, idWidth, tr.TaskID, state)
		if !tr.Skipped {
			line += st.muted.Render(fmt.Sprintf("  %s, %s", plural(tr.Attempts, "attempt"), tr.Duration().Round(time.Millisecond)))
		}
		if tr.FireAndForget {
			line += st.muted.Render("  (fire-and-forget)")
		}
		if tr.Message != "" && !tr.Success {
			used := lipgloss.Width(line) + 2
			line += "  " + truncate(tr.Message, width-used)
		}
		fmt.Fprintln(w, line)
	}

	counts := res.Counts()
	fmt.Fprintf(w, "\n%d passed, %d failed, %d skipped, %d cancelled\n",
		counts[observability.OutcomeCompletedOK],
		counts[observability.OutcomeCompletedFailed],
		counts[observability.OutcomeSkipped],
		counts[observability.OutcomeCanceled])
	for _, msg := range res.ValidationErrors {
		fmt.Fprintf(w, "%s %s\n", st.failed.Render("invalid:"), msg)
	}
	if res.Message != "" {
		fmt.Fprintf(w, "%s %s\n", st.header.Render("Message:"), res.Message)
	}
}

func renderJSON(w io.Writer, res *orchestrator.Result) error {
	data, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal result: %w", err)
	}
	fmt.Fprintln(w, string(data))
	return nil
}

// progressPrinter writes one line per task event. Events arrive from task
// goroutines, so writes are serialized.
type progressPrinter struct {
	mu sync.Mutex
	w  io.Writer
	st styles
}

func newProgressPrinter(w io.Writer) *progressPrinter {
	return &progressPrinter{w: w, st: newStyles(w)}
}

func (p *progressPrinter) handle(ev event.Event) {
	var line string
	switch e := ev.(type) {
	case event.TaskStartedEvent:
		line = fmt.Sprintf("%s %s on %s", p.st.muted.Render("start"), e.TaskID, e.Device)
	case event.TaskFinishedEvent:
		switch {
		case e.Success:
			line = fmt.Sprintf("%s %s (%s)", p.st.ok.Render("pass "), e.TaskID, e.Duration.Round(time.Millisecond))
		case e.Canceled:
			line = fmt.Sprintf("%s %s", p.st.skipped.Render("stop "), e.TaskID)
		default:
			line = fmt.Sprintf("%s %s: %s", p.st.failed.Render("fail "), e.TaskID, e.Message)
		}
	case event.TaskSkippedEvent:
		line = fmt.Sprintf("%s %s: %s", p.st.skipped.Render("skip "), e.TaskID, e.Reason)
	case event.DeviceEvictedEvent:
		line = fmt.Sprintf("%s device %s", p.st.skipped.Render("evict"), e.Key)
	default:
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintln(p.w, strings.TrimRight(line, " "))
}
