package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"cnote.dev/go/cnote/internal/connection"
	"cnote.dev/go/cnote/internal/coordinator"
)

var (
	titleStyle = lipgloss.NewStyle().Bold(true)
	dimStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
	errStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("1"))
	peerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("6"))
	boxStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

const maxBarWidth = 60

// Controls are the actions the view can trigger
type Controls interface {
	Retry() error
	Stop() error
}

// SyncModel renders the progress of one sync run from coordinator status
// updates. It quits when the update channel closes, on q, or once the sync
// completes.
type SyncModel struct {
	title   string
	pairing string
	updates <-chan coordinator.Status
	ctrl    Controls

	status   coordinator.Status
	spinner  spinner.Model
	bar      progress.Model
	width    int
	finished bool
	err      error
}

type statusMsg coordinator.Status

type updatesClosedMsg struct{}

type actionErrMsg struct{ err error }

// NewSyncModel creates the view. pairing is shown until a peer connects
// and may be empty.
func NewSyncModel(title, pairing string, updates <-chan coordinator.Status, ctrl Controls) SyncModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = peerStyle

	return SyncModel{
		title:   title,
		pairing: pairing,
		updates: updates,
		ctrl:    ctrl,
		spinner: s,
		bar:     progress.New(progress.WithDefaultGradient(), progress.WithWidth(40)),
	}
}

// Status returns the last status the view received
func (m SyncModel) Status() coordinator.Status {
	return m.status
}

// Completed reports whether the view saw the sync complete
func (m SyncModel) Completed() bool {
	return m.finished
}

func (m SyncModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForStatus(m.updates))
}

func waitForStatus(updates <-chan coordinator.Status) tea.Cmd {
	return func() tea.Msg {
		st, ok := <-updates
		if !ok {
			return updatesClosedMsg{}
		}
		return statusMsg(st)
	}
}

func (m SyncModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.bar.Width = min(msg.Width-4, maxBarWidth)
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if m.status.Stage == coordinator.StageFailed || m.status.Connection.State == connection.Failed {
				m.err = nil
				return m, m.action(Controls.Retry)
			}
		case "s":
			return m, m.action(Controls.Stop)
		}
		return m, nil

	case statusMsg:
		m.status = coordinator.Status(msg)
		cmds := []tea.Cmd{waitForStatus(m.updates), m.bar.SetPercent(m.status.Progress)}
		if m.status.Stage == coordinator.StageCompleted {
			m.finished = true
			cmds = append(cmds, tea.Quit)
		}
		return m, tea.Batch(cmds...)

	case updatesClosedMsg:
		return m, tea.Quit

	case actionErrMsg:
		m.err = msg.err
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case progress.FrameMsg:
		model, cmd := m.bar.Update(msg)
		m.bar = model.(progress.Model)
		return m, cmd
	}
	return m, nil
}

func (m SyncModel) action(f func(Controls) error) tea.Cmd {
	if m.ctrl == nil {
		return nil
	}
	ctrl := m.ctrl
	return func() tea.Msg {
		if err := f(ctrl); err != nil {
			return actionErrMsg{err: err}
		}
		return nil
	}
}

func (m SyncModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render(m.title))
	b.WriteString("\n\n")

	conn := m.status.Connection
	if m.pairing != "" && conn.State != connection.Connected && m.status.Stage == coordinator.StageIdle {
		b.WriteString(boxStyle.Render(m.pairing))
		b.WriteString("\n\n")
	}

	b.WriteString(m.connectionLine())
	b.WriteString("\n")

	if m.status.Stage != coordinator.StageIdle {
		b.WriteString(StageLabel(m.status.Stage))
		b.WriteString("\n")
		b.WriteString(m.bar.View())
		b.WriteString("\n")
	}

	switch {
	case m.status.Stage == coordinator.StageCompleted:
		b.WriteString("\n")
		b.WriteString(okStyle.Render("✓ " + Summary(m.status.Result)))
		b.WriteString("\n")
	case m.status.Stage == coordinator.StageFailed:
		b.WriteString("\n")
		b.WriteString(errStyle.Render("✗ " + m.status.Error))
		b.WriteString("\n")
	case conn.State == connection.Failed:
		b.WriteString("\n")
		b.WriteString(errStyle.Render("✗ " + conn.Cause()))
		b.WriteString("\n")
	}
	if m.err != nil {
		b.WriteString(errStyle.Render(m.err.Error()))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(dimStyle.Render("[r] Retry  [s] Stop  [q] Quit"))
	return b.String()
}

func (m SyncModel) connectionLine() string {
	conn := m.status.Connection
	switch conn.State {
	case connection.Advertising:
		return m.spinner.View() + " Waiting for the other device to connect"
	case connection.Browsing:
		if n := len(conn.Discovered); n > 0 {
			return m.spinner.View() + fmt.Sprintf(" Found %d nearby device(s)", n)
		}
		return m.spinner.View() + " Looking for nearby devices"
	case connection.Connecting:
		return m.spinner.View() + " Connecting"
	case connection.Connected:
		name := "peer"
		if m.status.PeerDevice != nil {
			name = m.status.PeerDevice.DeviceName
		}
		return "Connected to " + peerStyle.Render(name)
	case connection.Failed:
		return errStyle.Render("Connection failed")
	}
	return dimStyle.Render("Not connected")
}
