package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/verdure-mcp/gateway/pkg/protocol"
)

const maxLines = 1000

// headerHeight covers the bordered header box and the help line.
const headerHeight = 6

// InboundMsg carries a message pushed by the gateway.
type InboundMsg struct {
	In protocol.Inbound
}

// StateMsg reports a connection state change.
type StateMsg struct {
	Connected bool
	Err       error
}

type keyMap struct {
	Quit   key.Binding
	Top    key.Binding
	Bottom key.Binding
	Clear  key.Binding
}

var keys = keyMap{
	Quit:   key.NewBinding(key.WithKeys("ctrl+c", "q"), key.WithHelp("q", "quit")),
	Top:    key.NewBinding(key.WithKeys("g"), key.WithHelp("g", "top")),
	Bottom: key.NewBinding(key.WithKeys("G"), key.WithHelp("G", "follow")),
	Clear:  key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "clear")),
}

// Model is the device-sim view: a status header over a scrolling message log.
type Model struct {
	url string
	mac string

	deviceID     string
	connected    bool
	reconnecting bool
	lastErr      error
	received     int
	lastSeen     time.Time

	viewport   viewport.Model
	lines      []string
	autoScroll bool
	width      int
	quitting   bool
}

// NewModel creates a view for the device registering mac at url.
func NewModel(url, mac string) Model {
	return Model{
		url:        url,
		mac:        mac,
		viewport:   viewport.New(80, 10),
		autoScroll: true,
	}
}

func (m Model) Init() tea.Cmd {
	return nil
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.viewport.Width = msg.Width
		m.viewport.Height = max(msg.Height-headerHeight, 1)
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Top):
			m.autoScroll = false
			m.viewport.GotoTop()
			return m, nil
		case key.Matches(msg, keys.Bottom):
			m.autoScroll = true
			m.viewport.GotoBottom()
			return m, nil
		case key.Matches(msg, keys.Clear):
			m.lines = nil
			m.viewport.SetContent("")
			return m, nil
		}

	case StateMsg:
		m.connected = msg.Connected
		m.lastErr = msg.Err
		if !msg.Connected {
			m.reconnecting = true
			m.appendLine(dimmed.Render(time.Now().Format(time.TimeOnly)) + " " +
				errorStyle.Render(fmt.Sprintf("disconnected: %v", msg.Err)))
		}
		return m, nil

	case InboundMsg:
		m.received++
		m.lastSeen = time.Now()
		if msg.In.Type == protocol.TypeDeviceRegistered {
			var reg protocol.DeviceRegistered
			if err := msg.In.Decode(&reg); err == nil {
				m.deviceID = reg.DeviceID
			}
		}
		m.appendLine(formatInbound(msg.In))
		return m, nil
	}

	var cmd tea.Cmd
	m.viewport, cmd = m.viewport.Update(msg)
	return m, cmd
}

func (m *Model) appendLine(line string) {
	m.lines = append(m.lines, line)
	if len(m.lines) > maxLines {
		m.lines = m.lines[len(m.lines)-maxLines:]
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	if m.autoScroll {
		m.viewport.GotoBottom()
	}
}

func formatInbound(in protocol.Inbound) string {
	ts := in.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	line := dimmed.Render(ts.Format(time.TimeOnly)) + " " +
		typeStyle(in.Type).Render(fmt.Sprintf("%-17s", in.Type))

	switch in.Type {
	case protocol.TypeNotification:
		var n protocol.Notification
		if err := in.Decode(&n); err == nil {
			return line + " " + n.Message
		}
	case protocol.TypeError:
		var e protocol.ErrorResponse
		if err := in.Decode(&e); err == nil {
			return line + " " + errorStyle.Render(e.Code+": "+e.Message)
		}
	}
	if len(in.Payload) > 0 {
		line += " " + string(in.Payload)
	}
	return line
}

func (m Model) View() string {
	if m.quitting {
		return ""
	}

	device := m.deviceID
	if device == "" {
		device = dimmed.Render("unregistered")
	}
	last := dimmed.Render("never")
	if !m.lastSeen.IsZero() {
		last = m.lastSeen.Format(time.TimeOnly)
	}
	header := lipgloss.JoinVertical(lipgloss.Left,
		titleStyle.Render("verdure device-sim")+"  "+statusLabel(m.connected, m.reconnecting),
		fmt.Sprintf("%s %s  %s %s", dimmed.Render("mac"), m.mac, dimmed.Render("device"), device),
		fmt.Sprintf("%s %d  %s %s  %s", dimmed.Render("received"), m.received, dimmed.Render("last"), last, dimmed.Render(m.url)),
	)

	help := helpStyle.Render(strings.Join([]string{
		keys.Quit.Help().Key + " " + keys.Quit.Help().Desc,
		keys.Top.Help().Key + " " + keys.Top.Help().Desc,
		keys.Bottom.Help().Key + " " + keys.Bottom.Help().Desc,
		keys.Clear.Help().Key + " " + keys.Clear.Help().Desc,
	}, "  •  "))

	return lipgloss.JoinVertical(lipgloss.Left, headerBox.Render(header), m.viewport.View(), help)
}
