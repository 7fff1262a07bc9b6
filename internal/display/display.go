package display

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/fluxfuzzer/jsfuzz/internal/telemetry"
	"github.com/fluxfuzzer/jsfuzz/pkg/fuzz"
)

// Enabled reports whether the live status view should run. The SCROLL_LOG
// environment variable set to "0" or "false" disables it in favor of plain
// leveled log lines, the default when no TUI is attached.
func Enabled() bool {
	v := os.Getenv("SCROLL_LOG")
	return v != "0" && !strings.EqualFold(v, "false")
}

type tickMsg time.Time

// Model is a read-only bubbletea view over a telemetry.Registry and
// telemetry.Counters: it never drives fuzzing logic, only renders
// snapshots taken from the aggregator the worker/master pool already
// maintains.
type Model struct {
	status    *telemetry.Registry
	telemetry *telemetry.Counters
	width     int
	height    int
}

func NewModel(status *telemetry.Registry, counters *telemetry.Counters) *Model {
	return &Model{status: status, telemetry: counters, width: 80, height: 24}
}

func (m *Model) Init() tea.Cmd {
	return tick()
}

func tick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		return m, tick()
	}
	return m, nil
}

func (m *Model) View() string {
	var b strings.Builder
	b.WriteString(headerStyle.Render("fuzzer status"))
	b.WriteString("\n\n")
	b.WriteString(m.renderCounters())
	b.WriteString("\n")
	b.WriteString(m.renderWorkers())
	return panelStyle.Width(m.width - 4).Render(b.String())
}

func (m *Model) renderCounters() string {
	if m.telemetry == nil {
		return ""
	}
	snap := m.telemetry.Snapshot()
	var b strings.Builder
	b.WriteString(renderLabelValue("Executions", fmt.Sprintf("%d", snap.Executions)))
	b.WriteString("\n")
	b.WriteString(renderLabelValue("New coverage", fmt.Sprintf("%d", snap.NewCoverage)))
	b.WriteString("\n")
	b.WriteString(renderLabelValue("Corpus admitted", fmt.Sprintf("%d", snap.CorpusAdmitted)))
	b.WriteString("\n")
	b.WriteString(renderLabelValue("Crashes", successStyle.Render(fmt.Sprintf("%d", snap.Crashes))))
	b.WriteString("\n")
	b.WriteString(renderLabelValue("Timeouts", fmt.Sprintf("%d", snap.Timeouts)))
	b.WriteString("\n")
	b.WriteString(renderLabelValue("Errors", fmt.Sprintf("%d", snap.Errors)))
	return b.String()
}

func (m *Model) renderWorkers() string {
	if m.status == nil {
		return ""
	}
	all := m.status.All()
	ids := make([]int, 0, len(all))
	for id := range all {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	var b strings.Builder
	b.WriteString("\n")
	b.WriteString(headerStyle.Render("workers"))
	b.WriteString("\n")
	for _, id := range ids {
		st := all[id]
		label := st.State.String()
		if !st.Alive {
			label = "dead"
		}
		b.WriteString(fmt.Sprintf("  worker %-3d %s\n", id, stateStyle(label).Render(label)))
	}
	return b.String()
}

// RenderLine formats one status line for the non-TUI logging fallback,
// used when SCROLL_LOG disables the interactive view.
func RenderLine(workerID int, status fuzz.WorkerStatus) string {
	label := status.State.String()
	if !status.Alive {
		label = "dead"
	}
	return fmt.Sprintf("worker %d: %s (since %s)", workerID, label, status.Since.Format(time.RFC3339))
}
