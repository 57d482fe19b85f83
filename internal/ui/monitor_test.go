package ui

import (
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/OpenTraceLab/OpenTraceSweep/pkg/status"
)

func sampling(t time.Time, i float64) status.Snapshot {
	return status.Snapshot{
		RunID: "abc", Mode: "iv", State: status.StateSampling,
		Voltage: -20, Current: i, Setpoint: 2, SetpointCount: 5, UpdatedAt: t,
	}
}

func TestFormatSI(t *testing.T) {
	tests := []struct {
		v    float64
		unit string
		want string
	}{
		{1.5e-9, "A", "1.500 nA"},
		{-2.5e-6, "A", "-2.500 µA"},
		{5e-11, "F", "50.000 pF"},
		{1e5, "Ω", "100.000 kΩ"},
		{0, "A", "0 A"},
		{math.NaN(), "A", "N/A"},
	}
	for _, tt := range tests {
		if got := formatSI(tt.v, tt.unit); got != tt.want {
			t.Errorf("formatSI(%g, %q) = %q, want %q", tt.v, tt.unit, got, tt.want)
		}
	}
}

func TestSparklineSpansRange(t *testing.T) {
	got := []rune(sparkline([]float64{1e-12, 1e-9, 1e-6}))
	if len(got) != 3 || got[0] != sparkRunes[0] || got[2] != sparkRunes[len(sparkRunes)-1] {
		t.Errorf("sparkline = %q", string(got))
	}
}

func TestUpdateRecordsHistoryOncePerSnapshot(t *testing.T) {
	m := New(func() (status.Snapshot, error) { return status.Snapshot{}, nil }, nil)
	t0 := time.Unix(100, 0)

	next, _ := m.Update(snapshotMsg{snap: sampling(t0, 1e-9)})
	next, _ = next.Update(snapshotMsg{snap: sampling(t0, 1e-9)})
	next, _ = next.Update(snapshotMsg{snap: sampling(t0.Add(time.Second), 2e-9)})
	got := next.(Model)
	if len(got.history) != 2 {
		t.Fatalf("history = %v, want 2 entries", got.history)
	}

	view := got.View()
	for _, want := range []string{"sampling", "-20.00 V", "2.000 nA", "3 / 5", "N/A"} {
		if !strings.Contains(view, want) {
			t.Errorf("view missing %q:\n%s", want, view)
		}
	}
	if strings.Contains(view, "s stop") {
		t.Error("stop hint shown without a stop function")
	}
}

func TestStopKeyRequestsOnce(t *testing.T) {
	calls := 0
	stop := func() error { calls++; return nil }
	m := New(func() (status.Snapshot, error) { return status.Snapshot{}, nil }, stop)
	next, _ := m.Update(snapshotMsg{snap: sampling(time.Unix(1, 0), 1e-9)})

	key := tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")}
	next, cmd := next.Update(key)
	if cmd == nil {
		t.Fatal("expected stop command")
	}
	next, _ = next.Update(cmd())
	if calls != 1 {
		t.Fatalf("stop called %d times", calls)
	}

	next, cmd = next.Update(key)
	if cmd != nil {
		t.Error("second press issued another stop")
	}
	if !strings.Contains(next.(Model).View(), "stop requested") {
		t.Error("view does not show pending stop")
	}
}

func TestStopFailureIsShownAndRetryable(t *testing.T) {
	stop := func() error { return errors.New("connection refused") }
	m := New(func() (status.Snapshot, error) { return status.Snapshot{}, nil }, stop)
	next, _ := m.Update(snapshotMsg{snap: sampling(time.Unix(1, 0), 1e-9)})

	next, cmd := next.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("s")})
	next, _ = next.Update(cmd())
	got := next.(Model)
	if got.stopRequested {
		t.Error("failed stop still marked as requested")
	}
	if !strings.Contains(got.View(), "connection refused") {
		t.Error("stop error not shown")
	}
}

func TestQuitWhenDone(t *testing.T) {
	m := New(func() (status.Snapshot, error) { return status.Snapshot{}, nil }, nil, QuitWhenDone())
	_, cmd := m.Update(snapshotMsg{snap: status.Snapshot{State: status.StateComplete}})
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("command is not tea.Quit")
	}
}

func TestFetchErrorShown(t *testing.T) {
	m := New(func() (status.Snapshot, error) { return status.Snapshot{}, nil }, nil)
	next, _ := m.Update(snapshotMsg{err: errors.New("timeout")})
	if !strings.Contains(next.(Model).View(), "status unavailable: timeout") {
		t.Error("fetch error not shown")
	}
}

func TestTickSchedulesFetch(t *testing.T) {
	fetched := 0
	m := New(func() (status.Snapshot, error) { fetched++; return sampling(time.Unix(5, 0), 1e-9), nil }, nil)
	_, cmd := m.Update(tickMsg(time.Now()))
	if cmd == nil {
		t.Fatal("tick produced no command")
	}
	msg := cmd()
	batch, ok := msg.(tea.BatchMsg)
	if !ok {
		t.Fatalf("expected batch, got %T", msg)
	}
	for _, c := range batch {
		if c == nil {
			continue
		}
		if sm, ok := c().(snapshotMsg); ok && sm.snap.RunID == "abc" {
			break
		}
	}
	if fetched != 1 {
		t.Errorf("fetch ran %d times", fetched)
	}
}
