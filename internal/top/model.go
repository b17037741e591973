package top

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/zsiec/cadence/internal/health"
	"github.com/zsiec/cadence/internal/ingestion/producer"
)

// Fetcher is the part of Client the dashboard uses.
type Fetcher interface {
	Fetch(ctx context.Context) (*Snapshot, error)
	Delete(ctx context.Context, id string) error
}

// Messages
type tickMsg time.Time

type snapshotMsg struct {
	snap *Snapshot
	err  error
}

type deletedMsg struct {
	id  string
	err error
}

// Model is the dashboard state.
type Model struct {
	client   Fetcher
	interval time.Duration
	target   string

	snap     *Snapshot
	err      error
	notice   string
	selected int
	confirm  bool
	width    int
	quitting bool
}

func NewModel(client Fetcher, target string, interval time.Duration) *Model {
	if interval <= 0 {
		interval = time.Second
	}
	return &Model{client: client, target: target, interval: interval}
}

// Init implements tea.Model
func (m *Model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tickEvery(m.interval))
}

// Update implements tea.Model
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case tickMsg:
		if m.quitting {
			return m, nil
		}
		return m, tea.Batch(m.fetch(), tickEvery(m.interval))

	case snapshotMsg:
		m.err = msg.err
		if msg.err == nil {
			m.snap = msg.snap
			if n := len(m.snap.Sessions); m.selected >= n {
				m.selected = max(n-1, 0)
			}
		}
		return m, nil

	case deletedMsg:
		if msg.err != nil {
			m.notice = "delete failed: " + msg.err.Error()
		} else {
			m.notice = "deleted " + msg.id
		}
		return m, m.fetch()
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	key := msg.String()
	if m.confirm {
		m.confirm = false
		if key == "y" {
			if id, ok := m.selectedID(); ok {
				return m, m.delete(id)
			}
		}
		m.notice = ""
		return m, nil
	}

	switch key {
	case "q", "ctrl+c":
		m.quitting = true
		return m, tea.Quit
	case "r":
		return m, m.fetch()
	case "up", "k":
		if m.selected > 0 {
			m.selected--
		}
	case "down", "j":
		if m.snap != nil && m.selected < len(m.snap.Sessions)-1 {
			m.selected++
		}
	case "x":
		if id, ok := m.selectedID(); ok {
			m.confirm = true
			m.notice = fmt.Sprintf("delete %s? (y/n)", id)
		}
	}
	return m, nil
}

func (m *Model) selectedID() (string, bool) {
	if m.snap == nil || m.selected >= len(m.snap.Sessions) {
		return "", false
	}
	return m.snap.Sessions[m.selected].ID, true
}

// View implements tea.Model
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(HeaderStyle.Render("cadence-top  " + m.target))
	b.WriteString("\n")

	if m.err != nil {
		b.WriteString(ErrorStyle.Render("fetch failed: " + m.err.Error()))
		b.WriteString("\n")
	}
	if m.snap == nil {
		b.WriteString(MutedStyle.Render("waiting for first poll..."))
		return b.String()
	}

	b.WriteString(m.renderSummary())
	b.WriteString("\n")
	b.WriteString(PanelStyle.Render(m.renderSessions()))
	b.WriteString("\n")
	if m.notice != "" {
		b.WriteString(WarningStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString(MutedStyle.Render("q quit · r refresh · j/k select · x delete"))
	return b.String()
}

func (m *Model) renderSummary() string {
	st := m.snap.Stats
	parts := []string{
		statusStyle(m.snap.Health).Render(strings.ToUpper(string(m.snap.Health))),
		fmt.Sprintf("node %s", st.Node),
		fmt.Sprintf("sessions %d", st.Sessions),
		SuccessStyle.Render(fmt.Sprintf("working %d", st.Working)),
	}
	if st.Failed > 0 {
		parts = append(parts, ErrorStyle.Render(fmt.Sprintf("failed %d", st.Failed)))
	}
	if st.DropMode > 0 {
		parts = append(parts, WarningStyle.Render(fmt.Sprintf("dropping %d", st.DropMode)))
	}
	parts = append(parts,
		fmt.Sprintf("restarts %d", st.Restarts),
		MutedStyle.Render(fmt.Sprintf("poll %s", m.snap.Latency.Round(time.Millisecond))),
	)
	return strings.Join(parts, "  ")
}

const rowFormat = "%-2s%-20s %-9s %7s %7s %6s %6s %5s %7s %s"

func (m *Model) renderSessions() string {
	lines := []string{ColumnStyle.Render(fmt.Sprintf(rowFormat,
		"", "SESSION", "STATE", "IN FPS", "OUT FPS", "V BUF", "A BUF", "LATE", "TEMPO", "RESOURCE"))}

	if len(m.snap.Sessions) == 0 {
		lines = append(lines, MutedStyle.Render("no sessions"))
	}
	for i, info := range m.snap.Sessions {
		cursor := ""
		if i == m.selected {
			cursor = ">"
		}
		row := fmt.Sprintf(rowFormat,
			cursor,
			truncate(info.ID, 20),
			sessionState(info),
			fmt.Sprintf("%.2f", info.InputFPS),
			fmt.Sprintf("%.2f", info.OutputFPS),
			fmt.Sprintf("%.1f", info.VideoBuffer),
			fmt.Sprintf("%.1f", info.AudioBuffer),
			fmt.Sprintf("%d", info.LateFrames),
			fmt.Sprintf("%.3f", info.DriftTempo),
			info.Resource,
		)
		style := lipgloss.NewStyle()
		switch {
		case i == m.selected:
			style = SelectedStyle
		case info.Error != "":
			style = ErrorStyle
		case info.DropMode:
			style = WarningStyle
		}
		lines = append(lines, style.Render(row))
		if info.Error != "" && i == m.selected {
			lines = append(lines, ErrorStyle.Render("    "+info.Error))
		}
	}
	return strings.Join(lines, "\n")
}

func sessionState(info producer.Info) string {
	switch {
	case info.Error != "":
		return "failed"
	case info.DropMode:
		return "dropping"
	case info.Working:
		return "working"
	}
	return strings.ToLower(info.State)
}

func statusStyle(s health.Status) lipgloss.Style {
	switch s {
	case health.StatusOK:
		return SuccessStyle
	case health.StatusDegraded:
		return WarningStyle
	}
	return ErrorStyle
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-1] + "…"
}

func tickEvery(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m *Model) fetch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		snap, err := m.client.Fetch(ctx)
		return snapshotMsg{snap: snap, err: err}
	}
}

func (m *Model) delete(id string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return deletedMsg{id: id, err: m.client.Delete(ctx, id)}
	}
}
