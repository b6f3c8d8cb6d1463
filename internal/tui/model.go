package tui

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"medi/internal/batch"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/glamour"
	"github.com/charmbracelet/lipgloss"
)

// ── Styles ──────────────────────────────────────────────────────────────────

const pad = 2 // horizontal padding on each side

var (
	frameStyle    = lipgloss.NewStyle().Padding(1, pad)
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("37"))
	selectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("46"))
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("242"))
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))
	warnStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	errStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle   = map[batch.Status]lipgloss.Style{
		batch.StatusQueued:    lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		batch.StatusRunning:   lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		batch.StatusRetrying:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		batch.StatusCompleted: lipgloss.NewStyle().Foreground(lipgloss.Color("46")),
		batch.StatusFailed:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
	}
	laneStyle = map[batch.LaneStatus]lipgloss.Style{
		batch.LaneIdle:     lipgloss.NewStyle().Foreground(lipgloss.Color("246")),
		batch.LaneBusy:     lipgloss.NewStyle().Foreground(lipgloss.Color("33")),
		batch.LaneCooldown: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
	}
	cardStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("240")).
			Padding(0, 1).
			Width(18)
)

var stages = []batch.Stage{batch.StageSetup, batch.StageGeneration, batch.StageAudit, batch.StageFinished}

// ── Model ───────────────────────────────────────────────────────────────────

// Model is the BubbleTea model for the batch dashboard. It renders the
// latest scheduler snapshot; the report view replaces the job table once
// the audit is available.
type Model struct {
	updates <-chan batch.Snapshot
	reset   func(context.Context) error
	now     func() time.Time

	snap   batch.Snapshot
	closed bool

	spinner  spinner.Model
	progress progress.Model

	// Job table scroll.
	offset int

	// Audit report view.
	showReport   bool
	reportLines  []string
	reportOffset int

	confirmReset bool
	actionErr    error

	width  int
	height int
}

// NewModel builds the dashboard. updates is normally the channel returned
// by Scheduler.Subscribe; reset may be nil to disable the r key.
func NewModel(initial batch.Snapshot, updates <-chan batch.Snapshot, reset func(context.Context) error) Model {
	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("33"))
	return Model{
		updates:  updates,
		reset:    reset,
		now:      time.Now,
		snap:     initial,
		spinner:  sp,
		progress: progress.New(progress.WithDefaultGradient()),
	}
}

// ── Messages ────────────────────────────────────────────────────────────────

type snapshotMsg batch.Snapshot
type closedMsg struct{}
type tickMsg time.Time
type resetResultMsg struct{ err error }

// ── Init / Commands ─────────────────────────────────────────────────────────

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.waitSnapshot, m.spinner.Tick, tick())
}

func (m Model) waitSnapshot() tea.Msg {
	if m.updates == nil {
		return closedMsg{}
	}
	snap, ok := <-m.updates
	if !ok {
		return closedMsg{}
	}
	return snapshotMsg(snap)
}

// tick drives the cooldown countdown between snapshots.
func tick() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m Model) executeReset() tea.Msg {
	return resetResultMsg{err: m.reset(context.Background())}
}

// ── Update ──────────────────────────────────────────────────────────────────

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.progress.Width = max(m.cw()-10, 10)
		if m.showReport {
			m.reportLines = m.renderReport()
		}
	case snapshotMsg:
		prev := m.snap
		m.snap = batch.Snapshot(msg)
		if m.snap.Generation != prev.Generation {
			m.offset = 0
			m.showReport = false
		}
		if m.snap.Audit == nil {
			m.showReport = false
			m.reportLines = nil
		} else if prev.Audit == nil || m.reportLines == nil {
			m.reportLines = m.renderReport()
			m.reportOffset = 0
		}
		m.offset = min(m.offset, maxOffset(len(m.snap.Jobs), m.tableHeight()))
		return m, m.waitSnapshot
	case closedMsg:
		m.closed = true
	case tickMsg:
		return m, tick()
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	case resetResultMsg:
		m.confirmReset = false
		m.actionErr = msg.err
	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m Model) renderReport() []string {
	if m.snap.Audit == nil {
		return nil
	}
	return renderMarkdown(m.snap.Audit.Report, m.cw())
}

// renderMarkdown renders text as terminal-styled markdown via glamour.
// Falls back to plain text splitting on error.
func renderMarkdown(text string, width int) []string {
	if width < 40 {
		width = 76
	}
	r, err := glamour.NewTermRenderer(
		glamour.WithStandardStyle("dark"),
		glamour.WithWordWrap(width),
	)
	if err != nil {
		return strings.Split(text, "\n")
	}
	rendered, err := r.Render(text)
	if err != nil {
		return strings.Split(text, "\n")
	}
	rendered = strings.TrimRight(rendered, "\n")
	return strings.Split(rendered, "\n")
}

// ── Key Handling ────────────────────────────────────────────────────────────

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	switch key {
	case "q", "ctrl+c":
		return m, tea.Quit
	}

	if m.confirmReset {
		switch key {
		case "y":
			return m, m.executeReset
		case "n", "esc":
			m.confirmReset = false
		}
		return m, nil
	}

	if m.showReport {
		return m.handleKeyReport(key)
	}
	return m.handleKeyTable(key)
}

func (m Model) handleKeyTable(key string) (tea.Model, tea.Cmd) {
	switch key {
	case "up", "k":
		if m.offset > 0 {
			m.offset--
		}
	case "down", "j":
		if m.offset < maxOffset(len(m.snap.Jobs), m.tableHeight()) {
			m.offset++
		}
	case "enter":
		if m.snap.Audit != nil {
			m.showReport = true
			m.reportOffset = 0
		}
	case "r":
		if m.reset != nil {
			m.confirmReset = true
			m.actionErr = nil
		}
	}
	return m, nil
}

func (m Model) handleKeyReport(key string) (tea.Model, tea.Cmd) {
	avail := m.reportHeight()
	switch key {
	case "up", "k":
		if m.reportOffset > 0 {
			m.reportOffset--
		}
	case "down", "j":
		if m.reportOffset < maxOffset(len(m.reportLines), avail) {
			m.reportOffset++
		}
	case "u":
		m.reportOffset = max(m.reportOffset-avail/2, 0)
	case "d":
		m.reportOffset = min(m.reportOffset+avail/2, maxOffset(len(m.reportLines), avail))
	case "enter", "esc":
		m.showReport = false
	case "r":
		if m.reset != nil {
			m.confirmReset = true
			m.actionErr = nil
		}
	}
	return m, nil
}

// ── Views ───────────────────────────────────────────────────────────────────

func (m Model) View() string {
	var b strings.Builder
	w := m.cw()

	title := "MEDI"
	if m.snap.Generation > 0 {
		title += fmt.Sprintf("  batch #%d", m.snap.Generation)
	}
	b.WriteString(titleStyle.Render(title))
	if m.running() {
		b.WriteString("  " + m.spinner.View())
	}
	b.WriteString("\n")
	b.WriteString(m.stepper())
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")

	if m.showReport {
		b.WriteString(m.reportView())
	} else {
		b.WriteString(m.dashboardView())
	}

	b.WriteString(dimStyle.Render(strings.Repeat("─", w)))
	b.WriteString("\n")
	switch {
	case m.confirmReset:
		b.WriteString(warnStyle.Render("Reset batch? Running jobs are abandoned. (y/n)"))
	case m.actionErr != nil:
		b.WriteString(errStyle.Render("Error: " + m.actionErr.Error()))
	default:
		b.WriteString(dimStyle.Render(m.footer()))
	}
	return frameStyle.Render(b.String())
}

func (m Model) footer() string {
	parts := []string{"j/k scroll"}
	if m.snap.Audit != nil {
		if m.showReport {
			parts = append(parts, "u/d page", "enter jobs")
		} else {
			parts = append(parts, "enter report")
		}
	}
	if m.reset != nil {
		parts = append(parts, "r reset")
	}
	parts = append(parts, "q quit")
	if m.closed {
		parts = append(parts, "(scheduler stopped)")
	}
	return strings.Join(parts, "  ")
}

// stepper renders setup › generation › audit › finished with the current
// stage highlighted.
func (m Model) stepper() string {
	current := 0
	for i, s := range stages {
		if s == m.snap.Stage {
			current = i
		}
	}
	parts := make([]string, len(stages))
	for i, s := range stages {
		switch {
		case i < current || (i == current && s == batch.StageFinished):
			parts[i] = statusStyle[batch.StatusCompleted].Render("✓ " + string(s))
		case i == current:
			parts[i] = selectedStyle.Render("● " + string(s))
		default:
			parts[i] = dimStyle.Render("○ " + string(s))
		}
	}
	return strings.Join(parts, dimStyle.Render(" › "))
}

func (m Model) dashboardView() string {
	var b strings.Builder

	if len(m.snap.Lanes) > 0 {
		cards := make([]string, 0, len(m.snap.Lanes))
		for _, l := range m.snap.Lanes {
			cards = append(cards, m.laneCard(l))
		}
		b.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, cards...))
		b.WriteString("\n")
	}

	total := len(m.snap.Jobs)
	counts := m.snap.Counts()
	if total > 0 {
		done := m.snap.Terminal()
		b.WriteString(m.progress.ViewAs(float64(done) / float64(total)))
		b.WriteString(fmt.Sprintf("  %d/%d\n", done, total))
	}
	b.WriteString(fmt.Sprintf("  %s %d   %s %d   %s %d   %s %d   %s %d\n\n",
		labelStyle.Render("queued"), counts[batch.StatusQueued],
		statusStyle[batch.StatusRunning].Render("running"), counts[batch.StatusRunning],
		statusStyle[batch.StatusRetrying].Render("retrying"), counts[batch.StatusRetrying],
		statusStyle[batch.StatusCompleted].Render("completed"), counts[batch.StatusCompleted],
		statusStyle[batch.StatusFailed].Render("failed"), counts[batch.StatusFailed],
	))

	b.WriteString(m.jobTable())
	if a := m.snap.Audit; a != nil {
		b.WriteString("\n")
		b.WriteString(fmt.Sprintf("  %s %d   %s %d   %s %d   %s %d\n",
			labelStyle.Render("items"), a.Total,
			statusStyle[batch.StatusCompleted].Render("pass"), a.Passed,
			warnStyle.Render("warning"), a.Warnings,
			errStyle.Render("fail"), a.Failed,
		))
	}
	return b.String()
}

func (m Model) laneCard(l batch.Lane) string {
	st, ok := laneStyle[l.Status]
	if !ok {
		st = dimStyle
	}
	var b strings.Builder
	b.WriteString(headerStyle.Render(fmt.Sprintf("Lane %d", l.ID)))
	b.WriteString("\n")
	b.WriteString(st.Render(string(l.Status)))
	switch l.Status {
	case batch.LaneBusy:
		b.WriteString(" " + dimStyle.Render(shortID(l.CurrentJobID)))
	case batch.LaneCooldown:
		remaining := max(l.CooldownEndsAt.Sub(m.now()), 0).Round(time.Second)
		b.WriteString(" " + warnStyle.Render(remaining.String()))
	}
	b.WriteString("\n")
	b.WriteString(dimStyle.Render(fmt.Sprintf("errors %d", l.ErrorCount)))
	return cardStyle.Render(b.String())
}

func (m Model) jobTable() string {
	const (
		colJob    = 10
		colStatus = 11
		colStep   = 11
		colRetry  = 7
		colTitle  = 40
	)

	if len(m.snap.Jobs) == 0 {
		return dimStyle.Render("No jobs. Waiting for a batch...") + "\n"
	}

	var b strings.Builder
	header := "  " +
		headerStyle.Render(padRight("JOB", colJob)) +
		headerStyle.Render(padRight("STATUS", colStatus)) +
		headerStyle.Render(padRight("STEP", colStep)) +
		headerStyle.Render(padRight("RETRY", colRetry)) +
		headerStyle.Render(padRight("SECTION", colTitle)) +
		headerStyle.Render("ERROR")
	b.WriteString(header)
	b.WriteString("\n")

	errWidth := max(m.cw()-2-colJob-colStatus-colStep-colRetry-colTitle, 10)
	start, end := scrollWindow(len(m.snap.Jobs), m.offset, m.tableHeight())
	for _, job := range m.snap.Jobs[start:end] {
		st, ok := statusStyle[job.Status]
		if !ok {
			st = dimStyle
		}
		step := string(job.Step)
		if job.Status == batch.StatusRetrying && !job.NextRetryTime.IsZero() {
			step = "in " + max(job.NextRetryTime.Sub(m.now()), 0).Round(time.Second).String()
		}
		line := "  " +
			padRight(job.ShortID(), colJob) +
			st.Render(padRight(string(job.Status), colStatus)) +
			padRight(step, colStep) +
			padRight(fmt.Sprintf("%d", job.RetryCount), colRetry) +
			padRight(truncate(job.SectionTitle, colTitle-2), colTitle) +
			errStyle.Render(truncate(job.Error, errWidth))
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(m.snap.Jobs) > end-start {
		b.WriteString(dimStyle.Render(fmt.Sprintf("  %d-%d of %d", start+1, end, len(m.snap.Jobs))))
		b.WriteString("\n")
	}
	return b.String()
}

func (m Model) reportView() string {
	var b strings.Builder
	avail := m.reportHeight()
	start, end := scrollWindow(len(m.reportLines), m.reportOffset, avail)
	for _, line := range m.reportLines[start:end] {
		b.WriteString(line)
		b.WriteString("\n")
	}
	if len(m.reportLines) > avail {
		mx := maxOffset(len(m.reportLines), avail)
		b.WriteString(dimStyle.Render(fmt.Sprintf("  [%d%%]", m.reportOffset*100/mx)))
		b.WriteString("\n")
	}
	return b.String()
}

// ── Helpers ─────────────────────────────────────────────────────────────────

func (m Model) running() bool {
	return m.snap.Stage == batch.StageGeneration || m.snap.Stage == batch.StageAudit
}

// cw returns content width (terminal width minus frame padding).
func (m Model) cw() int {
	w := m.width - pad*2
	if w < 40 {
		w = 76 // sensible default before first WindowSizeMsg
	}
	return w
}

func (m Model) tableHeight() int {
	// Chrome: frame(2) + title(3) + lane cards(5) + progress and counts(3) + header(1) + footer(2) + audit line(2).
	h := m.height - 18
	if h < 5 {
		h = 5
	}
	return h
}

func (m Model) reportHeight() int {
	h := m.height - 8
	if h < 5 {
		h = 5
	}
	return h
}

func maxOffset(n, avail int) int {
	if n <= avail {
		return 0
	}
	return n - avail
}

func scrollWindow(n, offset, avail int) (int, int) {
	if avail < 1 {
		avail = 1
	}
	start := min(offset, n)
	end := min(start+avail, n)
	return start, end
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}

// padRight pads s to n display cells with spaces.
func padRight(s string, n int) string {
	w := lipgloss.Width(s)
	if w >= n {
		return s
	}
	return s + strings.Repeat(" ", n-w)
}
