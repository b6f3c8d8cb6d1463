package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"medi/internal/audit"
	"medi/internal/batch"

	tea "github.com/charmbracelet/bubbletea"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func testSnapshot() batch.Snapshot {
	return batch.Snapshot{
		Generation: 1,
		Stage:      batch.StageGeneration,
		Jobs: []batch.Job{
			{ID: "job-aaaa-1111", SectionTitle: "Suy tim", Status: batch.StatusRunning, Step: batch.StepGenerate, LaneID: 1},
			{ID: "job-bbbb-2222", SectionTitle: "Tăng huyết áp", Status: batch.StatusRetrying, RetryCount: 1,
				NextRetryTime: testNow.Add(4 * time.Second), Error: "boom"},
			{ID: "job-cccc-3333", SectionTitle: "Đái tháo đường", Status: batch.StatusCompleted, Step: batch.StepDone},
		},
		Lanes: []batch.Lane{
			{ID: 1, Status: batch.LaneBusy, CurrentJobID: "job-aaaa-1111"},
			{ID: 2, Status: batch.LaneCooldown, CooldownEndsAt: testNow.Add(12 * time.Second), ErrorCount: 1},
		},
		At: testNow,
	}
}

func newTestModel(reset func(context.Context) error) Model {
	m := NewModel(batch.Snapshot{}, nil, reset)
	m.now = func() time.Time { return testNow }
	return m
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	modelAny, cmd := m.Update(msg)
	next, ok := modelAny.(Model)
	if !ok {
		t.Fatalf("unexpected model type %T", modelAny)
	}
	return next, cmd
}

func TestSnapshotRendersDashboard(t *testing.T) {
	t.Parallel()

	m, cmd := update(t, newTestModel(nil), snapshotMsg(testSnapshot()))
	if cmd == nil {
		t.Fatalf("expected follow-up wait for next snapshot")
	}

	view := m.View()
	for _, want := range []string{
		"batch #1",
		"generation",
		"Lane 1",
		"busy job-aaaa",
		"cooldown 12s",
		"errors 1",
		"Suy tim",
		"Tăng huyết áp",
		"in 4s",
		"boom",
		"1/3",
	} {
		if !strings.Contains(view, want) {
			t.Fatalf("expected view to contain %q, got:\n%s", want, view)
		}
	}
	if strings.Contains(view, "r reset") {
		t.Fatalf("reset hint shown without a reset func")
	}
}

func TestStepperMarksProgress(t *testing.T) {
	t.Parallel()

	m := newTestModel(nil)
	m.snap.Stage = batch.StageAudit
	got := m.stepper()
	for _, want := range []string{"✓ setup", "✓ generation", "● audit", "○ finished"} {
		if !strings.Contains(got, want) {
			t.Fatalf("expected stepper to contain %q, got %q", want, got)
		}
	}

	m.snap.Stage = batch.StageFinished
	if got := m.stepper(); !strings.Contains(got, "✓ finished") {
		t.Fatalf("expected finished stage checked, got %q", got)
	}
}

func TestResetConfirmYes(t *testing.T) {
	t.Parallel()

	calls := 0
	m := newTestModel(func(context.Context) error {
		calls++
		return nil
	})
	m, _ = update(t, m, snapshotMsg(testSnapshot()))

	modelAny, _ := m.handleKey(keyRunes('r'))
	m = modelAny.(Model)
	if !m.confirmReset {
		t.Fatalf("expected reset confirmation")
	}
	if !strings.Contains(m.View(), "Reset batch?") {
		t.Fatalf("expected reset prompt in view")
	}

	modelAny, cmd := m.handleKey(keyRunes('y'))
	m = modelAny.(Model)
	if cmd == nil {
		t.Fatalf("expected execute reset command")
	}
	m, _ = update(t, m, cmd())
	if calls != 1 {
		t.Fatalf("expected reset to be called once, got %d", calls)
	}
	if m.confirmReset || m.actionErr != nil {
		t.Fatalf("expected prompt cleared without error, got confirm=%v err=%v", m.confirmReset, m.actionErr)
	}
}

func TestResetConfirmNoAndError(t *testing.T) {
	t.Parallel()

	m := newTestModel(func(context.Context) error { return errors.New("scheduler stopped") })

	modelAny, _ := m.handleKey(keyRunes('r'))
	m = modelAny.(Model)
	modelAny, cmd := m.handleKey(keyRunes('n'))
	m = modelAny.(Model)
	if m.confirmReset || cmd != nil {
		t.Fatalf("expected n to dismiss the prompt")
	}

	modelAny, _ = m.handleKey(keyRunes('r'))
	m = modelAny.(Model)
	modelAny, cmd = m.handleKey(keyRunes('y'))
	m = modelAny.(Model)
	m, _ = update(t, m, cmd())
	if m.actionErr == nil {
		t.Fatalf("expected reset error to be kept")
	}
	if !strings.Contains(m.View(), "Error: scheduler stopped") {
		t.Fatalf("expected error in footer")
	}
}

func TestEnterTogglesReportOnlyWhenAudited(t *testing.T) {
	t.Parallel()

	m, _ := update(t, newTestModel(nil), snapshotMsg(testSnapshot()))
	modelAny, _ := m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = modelAny.(Model)
	if m.showReport {
		t.Fatalf("report view opened before audit")
	}

	snap := testSnapshot()
	snap.Stage = batch.StageFinished
	snap.Audit = &audit.Result{Total: 2, Passed: 1, Failed: 1, Report: "**AUDIT SUMMARY**\n\n- Passed: 1\n- Failed/Warning: 1\n"}
	m, _ = update(t, m, snapshotMsg(snap))
	if len(m.reportLines) == 0 {
		t.Fatalf("expected report to be rendered on audit")
	}
	if !strings.Contains(m.View(), "enter report") {
		t.Fatalf("expected report hint once audited")
	}

	modelAny, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = modelAny.(Model)
	if !m.showReport {
		t.Fatalf("expected report view")
	}
	modelAny, _ = m.handleKey(tea.KeyMsg{Type: tea.KeyEnter})
	m = modelAny.(Model)
	if m.showReport {
		t.Fatalf("expected enter to toggle back to jobs")
	}
}

func TestNewGenerationLeavesReport(t *testing.T) {
	t.Parallel()

	snap := testSnapshot()
	snap.Stage = batch.StageFinished
	snap.Audit = &audit.Result{Report: "done"}
	m, _ := update(t, newTestModel(nil), snapshotMsg(snap))
	m.showReport = true

	m, _ = update(t, m, snapshotMsg(batch.Snapshot{Generation: 2, Stage: batch.StageSetup}))
	if m.showReport || m.reportLines != nil {
		t.Fatalf("expected report cleared on new generation")
	}
	if !strings.Contains(m.View(), "No jobs") {
		t.Fatalf("expected empty job table")
	}
}

func TestScrollBounds(t *testing.T) {
	t.Parallel()

	snap := batch.Snapshot{Generation: 1, Stage: batch.StageGeneration}
	for i := 0; i < 30; i++ {
		snap.Jobs = append(snap.Jobs, batch.Job{ID: "job", Status: batch.StatusQueued})
	}
	m, _ := update(t, newTestModel(nil), snapshotMsg(snap))

	modelAny, _ := m.handleKey(keyRunes('k'))
	m = modelAny.(Model)
	if m.offset != 0 {
		t.Fatalf("scrolled above top: %d", m.offset)
	}
	limit := maxOffset(len(snap.Jobs), m.tableHeight())
	for i := 0; i < 40; i++ {
		modelAny, _ = m.handleKey(keyRunes('j'))
		m = modelAny.(Model)
	}
	if m.offset != limit {
		t.Fatalf("expected offset clamped to %d, got %d", limit, m.offset)
	}
}

func TestClosedChannel(t *testing.T) {
	t.Parallel()

	ch := make(chan batch.Snapshot)
	close(ch)
	m := NewModel(batch.Snapshot{}, ch, nil)
	msg := m.waitSnapshot()
	if _, ok := msg.(closedMsg); !ok {
		t.Fatalf("expected closedMsg, got %T", msg)
	}
	m, _ = update(t, m, msg)
	if !strings.Contains(m.View(), "(scheduler stopped)") {
		t.Fatalf("expected stopped hint")
	}
}

func TestTruncateRunes(t *testing.T) {
	t.Parallel()

	if got := truncate("Tăng huyết áp", 8); got != "Tăng ..." {
		t.Fatalf("unexpected truncation %q", got)
	}
	if got := truncate("short", 10); got != "short" {
		t.Fatalf("unexpected truncation %q", got)
	}
}

func keyRunes(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}
