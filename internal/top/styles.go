package top

import "github.com/charmbracelet/lipgloss"

var (
	Primary = lipgloss.Color("#FF6B35")
	Success = lipgloss.Color("#4CAF50")
	Warning = lipgloss.Color("#FFB74D")
	Error   = lipgloss.Color("#F44336")
	Text    = lipgloss.Color("#E0E0E0")
	Muted   = lipgloss.Color("#90A4AE")
	Border  = lipgloss.Color("#30363D")
)

var (
	HeaderStyle = lipgloss.NewStyle().
		Foreground(lipgloss.Color("#FFFFFF")).
		Bold(true).
		Padding(0, 1).
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Primary)

	PanelStyle = lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(Border).
		Foreground(Text).
		Padding(0, 1)

	ColumnStyle   = lipgloss.NewStyle().Foreground(Muted).Bold(true)
	SelectedStyle = lipgloss.NewStyle().Foreground(Primary).Bold(true)
	SuccessStyle  = lipgloss.NewStyle().Foreground(Success).Bold(true)
	WarningStyle  = lipgloss.NewStyle().Foreground(Warning).Bold(true)
	ErrorStyle    = lipgloss.NewStyle().Foreground(Error).Bold(true)
	MutedStyle    = lipgloss.NewStyle().Foreground(Muted)
)
