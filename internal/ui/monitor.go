// Package ui is the terminal monitor for a running sweep. It polls a
// snapshot source on a fixed tick and never touches the instruments.
package ui

import (
	"fmt"
	"math"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/status"
)

// DefaultInterval is the refresh period of the monitor.
const DefaultInterval = 250 * time.Millisecond

const historyLen = 60

// FetchFunc returns the latest snapshot.
type FetchFunc func() (status.Snapshot, error)

// StopFunc requests the sweep to stop.
type StopFunc func() error

type tickMsg time.Time

type snapshotMsg struct {
	snap status.Snapshot
	err  error
}

type stopMsg struct{ err error }

// Model is the bubbletea model of the monitor.
type Model struct {
	fetch    FetchFunc
	stop     StopFunc
	interval time.Duration
	title    string
	quitDone bool

	snap          status.Snapshot
	err           error
	history       []float64
	stopRequested bool
	stopErr       error
	width         int
}

// Option customizes New.
type Option func(*Model)

// WithInterval sets the refresh period.
func WithInterval(d time.Duration) Option {
	return func(m *Model) { m.interval = d }
}

// WithTitle sets the header line.
func WithTitle(t string) Option {
	return func(m *Model) { m.title = t }
}

// QuitWhenDone ends the program once the sweep reaches a terminal state.
func QuitWhenDone() Option {
	return func(m *Model) { m.quitDone = true }
}

// New returns a monitor polling fetch. stop may be nil, which disables the
// stop key.
func New(fetch FetchFunc, stop StopFunc, opts ...Option) Model {
	m := Model{
		fetch:    fetch,
		stop:     stop,
		interval: DefaultInterval,
		title:    "LGAD sweep monitor",
		snap:     status.Snapshot{State: status.StateIdle, Current: math.NaN()},
	}
	for _, opt := range opts {
		opt(&m)
	}
	return m
}

// Run shows the monitor full screen until the user quits.
func Run(m Model) error {
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(tick(m.interval), fetchOnce(m.fetch))
}

func tick(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func fetchOnce(fetch FetchFunc) tea.Cmd {
	return func() tea.Msg {
		snap, err := fetch()
		return snapshotMsg{snap: snap, err: err}
	}
}

func requestStop(stop StopFunc) tea.Cmd {
	return func() tea.Msg {
		return stopMsg{err: stop()}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "s":
			if m.stop == nil || m.stopRequested || terminal(m.snap.State) {
				return m, nil
			}
			m.stopRequested = true
			return m, requestStop(m.stop)
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case tickMsg:
		return m, tea.Batch(fetchOnce(m.fetch), tick(m.interval))

	case snapshotMsg:
		m.err = msg.err
		if msg.err != nil {
			return m, nil
		}
		if msg.snap.State == status.StateSampling && !msg.snap.UpdatedAt.Equal(m.snap.UpdatedAt) && !math.IsNaN(msg.snap.Current) {
			m.history = append(m.history, msg.snap.Current)
			if len(m.history) > historyLen {
				m.history = m.history[len(m.history)-historyLen:]
			}
		}
		m.snap = msg.snap
		if m.quitDone && terminal(m.snap.State) {
			return m, tea.Quit
		}

	case stopMsg:
		m.stopErr = msg.err
		if msg.err != nil {
			m.stopRequested = false
		}
	}
	return m, nil
}

func terminal(s status.State) bool {
	return s == status.StateComplete || s == status.StateAborted
}

func (m Model) View() string {
	s := m.snap
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title))
	if s.RunID != "" {
		b.WriteString(helpStyle.Render("  run " + s.RunID))
	}
	b.WriteString("\n\n")

	rows := []string{
		row("State", stateStyle(s.State).Render(string(s.State))),
		row("Mode", strings.ToUpper(orNA(s.Mode))),
		row("Setpoint", setpoint(s)),
		row("Voltage", fmt.Sprintf("%.2f V", s.Voltage)),
		row("Current", formatSI(s.Current, "A")),
		row("Elapsed", fmt.Sprintf("%.1f s", s.Elapsed.Seconds())),
	}
	if s.HasImpedance {
		rows = append(rows,
			row("Cp", formatSI(s.Capacitance, "F")),
			row("Rp", formatSI(s.Resistance, "Ω")),
		)
	}
	if s.EnvValid {
		rows = append(rows,
			row("Temperature", fmt.Sprintf("%.1f °C", s.Temperature)),
			row("Humidity", fmt.Sprintf("%.1f %%RH", s.Humidity)),
		)
	} else {
		rows = append(rows, row("Environment", "N/A"))
	}

	panel := panelStyle.Render(strings.Join(rows, "\n"))
	if m.width > 0 && lipgloss.Width(panel) > m.width {
		panel = strings.Join(rows, "\n")
	}
	b.WriteString(panel)
	b.WriteString("\n")

	if len(m.history) > 1 {
		b.WriteString(labelStyle.Render("|I| trend"))
		b.WriteString(valueStyle.Render(sparkline(m.history)))
		b.WriteString("\n")
	}

	switch {
	case m.err != nil:
		b.WriteString(critStyle.Render("status unavailable: " + m.err.Error()))
		b.WriteString("\n")
	case m.stopErr != nil:
		b.WriteString(critStyle.Render("stop failed: " + m.stopErr.Error()))
		b.WriteString("\n")
	case m.stopRequested && !terminal(s.State):
		b.WriteString(warnStyle.Render("stop requested, winding down"))
		b.WriteString("\n")
	}

	help := "q quit"
	if m.stop != nil {
		help = "s stop sweep · " + help
	}
	b.WriteString(helpStyle.Render(help))
	return b.String()
}

func row(label, value string) string {
	return labelStyle.Render(label) + valueStyle.Render(value)
}

func stateStyle(s status.State) lipgloss.Style {
	switch s {
	case status.StateComplete:
		return okStyle
	case status.StateAborted:
		return critStyle
	case status.StateRamping, status.StateRampingDown:
		return warnStyle
	}
	return valueStyle
}

func setpoint(s status.Snapshot) string {
	if s.SetpointCount == 0 {
		return "N/A"
	}
	return fmt.Sprintf("%d / %d", s.Setpoint+1, s.SetpointCount)
}

func orNA(s string) string {
	if s == "" {
		return "N/A"
	}
	return s
}

var siPrefixes = []struct {
	exp    float64
	prefix string
}{
	{1e-15, "f"}, {1e-12, "p"}, {1e-9, "n"}, {1e-6, "µ"}, {1e-3, "m"}, {1, ""}, {1e3, "k"}, {1e6, "M"},
}

// formatSI renders v with an engineering prefix, "N/A" for NaN.
func formatSI(v float64, unit string) string {
	if math.IsNaN(v) {
		return "N/A"
	}
	if v == 0 {
		return "0 " + unit
	}
	a := math.Abs(v)
	p := siPrefixes[0]
	for _, c := range siPrefixes {
		if a >= c.exp {
			p = c
		}
	}
	return fmt.Sprintf("%.3f %s%s", v/p.exp, p.prefix, unit)
}

var sparkRunes = []rune("▁▂▃▄▅▆▇█")

// sparkline plots |v| on a log scale.
func sparkline(vals []float64) string {
	lo, hi := math.Inf(1), math.Inf(-1)
	logs := make([]float64, len(vals))
	for i, v := range vals {
		l := math.Log10(math.Max(math.Abs(v), 1e-18))
		logs[i] = l
		lo = math.Min(lo, l)
		hi = math.Max(hi, l)
	}
	var b strings.Builder
	for _, l := range logs {
		idx := 0
		if hi > lo {
			idx = int((l - lo) / (hi - lo) * float64(len(sparkRunes)-1))
		}
		b.WriteRune(sparkRunes[idx])
	}
	return b.String()
}
