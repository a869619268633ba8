package display

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/hervehildenbrand/mptrace/pkg/hop"
)

var (
	liveTitleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	liveHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("240"))
	liveDoneStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("82"))
	liveStatusStyle = lipgloss.NewStyle().Background(lipgloss.Color("235")).Padding(0, 1)
)

// HopMsg delivers a completed hop row to the live view.
type HopMsg struct {
	Hop *hop.Hop
}

// DoneMsg signals trace completion.
type DoneMsg struct {
	Reached bool
}

// LiveModel is the bubbletea model for the live hop view of a classical run.
type LiveModel struct {
	target   string
	targetIP string
	spin     spinner.Model
	hops     []*hop.Hop
	hopCh    <-chan *hop.Hop
	doneCh   <-chan bool
	done     bool
	reached  bool
}

// NewLiveModel creates the live view fed by the two channels.
func NewLiveModel(target, targetIP string, hopCh <-chan *hop.Hop, doneCh <-chan bool) *LiveModel {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return &LiveModel{
		target:   target,
		targetIP: targetIP,
		spin:     s,
		hopCh:    hopCh,
		doneCh:   doneCh,
	}
}

// Init implements tea.Model.
func (m *LiveModel) Init() tea.Cmd {
	return tea.Batch(m.spin.Tick, m.waitForHop(), m.waitForDone())
}

// waitForHop blocks on the next completed hop.
func (m *LiveModel) waitForHop() tea.Cmd {
	return func() tea.Msg {
		h, ok := <-m.hopCh
		if !ok {
			return nil
		}
		return HopMsg{Hop: h}
	}
}

// waitForDone blocks on trace completion.
func (m *LiveModel) waitForDone() tea.Cmd {
	return func() tea.Msg {
		reached, ok := <-m.doneCh
		if !ok {
			return nil
		}
		return DoneMsg{Reached: reached}
	}
}

// Update implements tea.Model.
func (m *LiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	case HopMsg:
		m.hops = append(m.hops, msg.Hop)
		return m, m.waitForHop()
	case DoneMsg:
		m.done = true
		m.reached = msg.Reached
		return m, nil
	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View implements tea.Model.
func (m *LiveModel) View() string {
	var b strings.Builder

	b.WriteString(liveTitleStyle.Render(fmt.Sprintf("mptrace %s (%s)", m.target, m.targetIP)))
	b.WriteString("\n\n")
	b.WriteString(liveHeaderStyle.Render(fmt.Sprintf("%3s  %-40s  %s", "TTL", "Address", "RTT")))
	b.WriteString("\n")

	for _, h := range m.hops {
		b.WriteString(renderLiveRow(h))
		b.WriteString("\n")
	}

	b.WriteString("\n")
	if m.done {
		status := "target not reached"
		if m.reached {
			status = "target reached"
		}
		b.WriteString(liveDoneStyle.Render(fmt.Sprintf("Trace complete: %s (press q to quit)", status)))
	} else {
		b.WriteString(liveStatusStyle.Render(m.spin.View() + " probing..."))
	}
	b.WriteString("\n")
	return b.String()
}

// renderLiveRow formats one hop line for the live view.
func renderLiveRow(h *hop.Hop) string {
	addr := "*"
	if ip := h.PrimaryIP(); ip != nil {
		addr = ip.String()
		if h.Hostname != "" {
			addr = fmt.Sprintf("%s (%s)", h.Hostname, ip)
		}
	}

	var rtts []string
	for _, p := range h.Probes {
		if p.Timeout {
			rtts = append(rtts, "*")
		} else {
			rtts = append(rtts, fmt.Sprintf("%.1fms", float64(p.RTT)/float64(time.Millisecond)))
		}
	}
	return fmt.Sprintf("%3d  %-40s  %s", h.TTL, addr, strings.Join(rtts, " "))
}

// RunLive runs the live view until the user quits. The feeding goroutine
// closes hopCh when the trace ends.
func RunLive(target, targetIP string, hopCh <-chan *hop.Hop, doneCh <-chan bool) error {
	p := tea.NewProgram(NewLiveModel(target, targetIP, hopCh, doneCh))
	_, err := p.Run()
	return err
}
