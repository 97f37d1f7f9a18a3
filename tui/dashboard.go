// ABOUTME: Terminal dashboard for watching and triggering sync runs
// ABOUTME: Shows run progress, counts, recent activity, and persisted state
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/harperreed/membersync/models"
	"github.com/harperreed/membersync/state"
	"github.com/harperreed/membersync/sync"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("170")).
			MarginBottom(1)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("39")).
			Underline(true)

	okStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	runningStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11")).
			Bold(true)

	errStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240")).
			Italic(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))
)

// RunCompleteMsg is sent when a triggered sync run finishes.
type RunCompleteMsg struct {
	Result models.SyncResult
	Err    error
}

type progressMsg sync.Event

// Model is the dashboard's bubbletea model.
type Model struct {
	reconciler *sync.Reconciler
	events     *sync.ChannelNotifier
	spinner    spinner.Model

	running    bool
	runKind    models.SyncKind
	stage      sync.Stage
	current    int
	total      int
	messages   []string
	lastResult *models.SyncResult
	lastState  *state.SyncState
	quitting   bool
}

// NewModel builds the dashboard. The events notifier must be the same one
// the reconciler was wired with, or live progress never shows up.
func NewModel(reconciler *sync.Reconciler, events *sync.ChannelNotifier) Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = runningStyle

	m := Model{
		reconciler: reconciler,
		events:     events,
		spinner:    sp,
	}
	m.refreshState()
	return m
}

func (m *Model) refreshState() {
	if st, err := m.reconciler.State(); err == nil {
		m.lastState = st
	}
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.waitForEvent())
}

// waitForEvent pumps reconciler events into the bubbletea loop.
func (m Model) waitForEvent() tea.Cmd {
	return func() tea.Msg {
		return progressMsg(<-m.events.C)
	}
}

func (m Model) startRun(kind models.SyncKind) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
		defer cancel()
		var result models.SyncResult
		var err error
		if kind == models.KindFull {
			result, err = m.reconciler.RunFull(ctx)
		} else {
			result, err = m.reconciler.RunIncremental(ctx)
		}
		return RunCompleteMsg{Result: result, Err: err}
	}
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "f":
			if !m.running {
				m.running = true
				m.runKind = models.KindFull
				m.addMessage("Starting full sync...")
				return m, m.startRun(models.KindFull)
			}
		case "i":
			if !m.running {
				m.running = true
				m.runKind = models.KindIncremental
				m.addMessage("Starting incremental sync...")
				return m, m.startRun(models.KindIncremental)
			}
		case "r":
			m.refreshState()
		}

	case progressMsg:
		e := sync.Event(msg)
		m.stage = e.Stage
		m.current = e.Current
		m.total = e.Total
		if e.Err != nil && e.Stage != sync.StageDone {
			m.addMessage(errStyle.Render(fmt.Sprintf("✗ %s: %v", e.Message, e.Err)))
		}
		return m, m.waitForEvent()

	case RunCompleteMsg:
		m.running = false
		m.stage = ""
		m.current, m.total = 0, 0
		if msg.Err != nil {
			m.addMessage(errStyle.Render(fmt.Sprintf("✗ %s sync failed: %v", m.runKind, msg.Err)))
		} else {
			result := msg.Result
			m.lastResult = &result
			m.addMessage(okStyle.Render("✓ " + result.Summary()))
		}
		m.refreshState()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m *Model) addMessage(msg string) {
	stamped := fmt.Sprintf("[%s] %s", time.Now().Format("15:04:05"), msg)
	m.messages = append(m.messages, stamped)
	if len(m.messages) > 50 {
		m.messages = m.messages[len(m.messages)-50:]
	}
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	var s strings.Builder
	s.WriteString(titleStyle.Render("Member Sync"))
	s.WriteString("\n\n")

	if m.running {
		line := fmt.Sprintf("%s %s sync: %s", m.spinner.View(), m.runKind, m.stage)
		if m.total > 0 {
			line += fmt.Sprintf(" (%d/%d)", m.current, m.total)
		}
		s.WriteString(runningStyle.Render(line))
	} else {
		s.WriteString(okStyle.Render("✓ Idle"))
	}
	s.WriteString("\n\n")

	if m.lastState != nil {
		s.WriteString(headerStyle.Render("State"))
		s.WriteString("\n")
		s.WriteString(fmt.Sprintf("  Full:        %s\n", formatOptionalTime(m.lastState.LastFullSync)))
		s.WriteString(fmt.Sprintf("  Incremental: %s\n", formatOptionalTime(m.lastState.LastIncrementalSync)))
		s.WriteString(fmt.Sprintf("  Tracked:     %d members, %d runs\n", len(m.lastState.MemberModifiedAt), m.lastState.SyncCount))
		if m.lastState.LastError != nil {
			s.WriteString(errStyle.Render(fmt.Sprintf("  Last error:  %s", m.lastState.LastError.Message)))
			s.WriteString("\n")
		}
		s.WriteString("\n")
	}

	if len(m.messages) > 0 {
		s.WriteString(headerStyle.Render("Recent Activity"))
		s.WriteString("\n")
		start := 0
		if len(m.messages) > 8 {
			start = len(m.messages) - 8
		}
		for _, line := range m.messages[start:] {
			s.WriteString(dimStyle.Render("  " + line))
			s.WriteString("\n")
		}
		s.WriteString("\n")
	}

	s.WriteString(helpStyle.Render("f: full sync • i: incremental sync • r: refresh • q: quit"))
	return s.String()
}

func formatOptionalTime(t *time.Time) string {
	if t == nil {
		return "never"
	}
	return formatTimeSince(*t)
}

// formatTimeSince formats a time duration in a human-readable way.
func formatTimeSince(t time.Time) string {
	duration := time.Since(t)

	if duration < time.Minute {
		return "just now"
	} else if duration < time.Hour {
		minutes := int(duration.Minutes())
		if minutes == 1 {
			return "1 minute ago"
		}
		return fmt.Sprintf("%d minutes ago", minutes)
	} else if duration < 24*time.Hour {
		hours := int(duration.Hours())
		if hours == 1 {
			return "1 hour ago"
		}
		return fmt.Sprintf("%d hours ago", hours)
	} else {
		days := int(duration.Hours() / 24)
		if days == 1 {
			return "1 day ago"
		}
		return fmt.Sprintf("%d days ago", days)
	}
}

// Run starts the dashboard program and blocks until exit.
func Run(reconciler *sync.Reconciler, events *sync.ChannelNotifier) error {
	model := NewModel(reconciler, events)
	p := tea.NewProgram(model, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
