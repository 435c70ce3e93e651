package main

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"audioswitch/device"
	"audioswitch/lifecycle"
	"audioswitch/switcher"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// TUI message types
type snapshotMsg struct {
	devices  []device.Device
	selected *device.Device
}
type actionMsg struct {
	what string
	err  error
}
type routingErrorMsg struct{ err *switcher.RoutingError }

// engine is the part of the Switch the TUI drives.
type engine interface {
	Start(switcher.Listener) error
	Activate() error
	Deactivate()
	SelectDevice(device.Device) error
	ClearSelection() error
	Phase() lifecycle.Phase
	SelectionExplicit() bool
}

type keyMap struct {
	Up, Down, Select, Activate, Deactivate, Clear, Quit key.Binding
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Up, k.Down, k.Select, k.Activate, k.Deactivate, k.Clear, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

var keys = keyMap{
	Up:         key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "up")),
	Down:       key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "down")),
	Select:     key.NewBinding(key.WithKeys("enter", " "), key.WithHelp("enter", "select")),
	Activate:   key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "activate")),
	Deactivate: key.NewBinding(key.WithKeys("d"), key.WithHelp("d", "deactivate")),
	Clear:      key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "auto")),
	Quit:       key.NewBinding(key.WithKeys("q", "esc", "ctrl+c"), key.WithHelp("q", "quit")),
}

type tuiModel struct {
	sw       engine
	listener switcher.Listener
	activate bool
	devices  []device.Device
	selected *device.Device
	explicit bool
	phase    lifecycle.Phase
	cursor   int
	status   string
	failed   bool
	help     help.Model
}

var (
	tuiProgram *tea.Program
	tuiMu      sync.Mutex
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	phaseStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	activeStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	cursorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("212"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true)
	dimStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))
	errorStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	panelStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("238")).Padding(0, 1)
)

func newTUIModel(sw engine, listener switcher.Listener) tuiModel {
	return tuiModel{sw: sw, listener: listener, phase: sw.Phase(), help: help.New()}
}

func tuiSend(msg tea.Msg) {
	tuiMu.Lock()
	p := tuiProgram
	tuiMu.Unlock()
	if p != nil {
		p.Send(msg)
	}
}

// runTUI shows the device picker until the user quits or ctx is done.
func runTUI(ctx context.Context, a *app, activate bool) error {
	listener := a.listener(func(avail []device.Device, sel *device.Device) {
		tuiSend(snapshotMsg{devices: avail, selected: sel})
	})
	m := newTUIModel(a.sw, listener)
	m.activate = activate

	p := tea.NewProgram(m, tea.WithAltScreen())
	tuiMu.Lock()
	tuiProgram = p
	tuiMu.Unlock()

	go func() {
		<-ctx.Done()
		p.Quit()
	}()

	_, err := p.Run()

	tuiMu.Lock()
	tuiProgram = nil
	tuiMu.Unlock()
	return err
}

// do runs an engine call off the event loop; the listener it may trigger
// sends back into the program.
func (m tuiModel) do(what string, f func() error) tea.Cmd {
	return func() tea.Msg {
		return actionMsg{what: what, err: f()}
	}
}

func (m tuiModel) Init() tea.Cmd {
	start := m.do("started", func() error { return m.sw.Start(m.listener) })
	if m.activate {
		return tea.Sequence(start, m.do("activated", m.sw.Activate))
	}
	return start
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case snapshotMsg:
		m.devices = msg.devices
		m.selected = msg.selected
		m.explicit = m.sw.SelectionExplicit()
		if m.cursor >= len(m.devices) {
			m.cursor = max(len(m.devices)-1, 0)
		}

	case actionMsg:
		m.phase = m.sw.Phase()
		m.explicit = m.sw.SelectionExplicit()
		m.failed = msg.err != nil
		if msg.err != nil {
			m.status = msg.err.Error()
		} else {
			m.status = msg.what
		}

	case routingErrorMsg:
		m.failed = true
		m.status = msg.err.Error()

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, keys.Up):
			if m.cursor > 0 {
				m.cursor--
			}
		case key.Matches(msg, keys.Down):
			if m.cursor < len(m.devices)-1 {
				m.cursor++
			}
		case key.Matches(msg, keys.Select):
			if m.cursor < len(m.devices) {
				d := m.devices[m.cursor]
				return m, m.do("selected "+d.Name, func() error { return m.sw.SelectDevice(d) })
			}
		case key.Matches(msg, keys.Activate):
			return m, m.do("activated", m.sw.Activate)
		case key.Matches(msg, keys.Deactivate):
			return m, m.do("deactivated", func() error { m.sw.Deactivate(); return nil })
		case key.Matches(msg, keys.Clear):
			return m, m.do("automatic selection", m.sw.ClearSelection)
		}
	}
	return m, nil
}

func (m tuiModel) View() string {
	var b strings.Builder

	title := titleStyle.Render("audioswitch")
	phase := phaseStyle.Render(m.phase.String())
	if m.phase == lifecycle.Active {
		phase = activeStyle.Render("● " + m.phase.String())
	}
	b.WriteString(title + "  " + phase + "\n\n")

	if len(m.devices) == 0 {
		b.WriteString(dimStyle.Render("  no devices") + "\n")
	}
	for i, d := range m.devices {
		pointer := "  "
		if i == m.cursor {
			pointer = cursorStyle.Render("> ")
		}
		name := d.Name
		if d.PeerID != "" {
			name += dimStyle.Render(" " + d.PeerID)
		}
		line := fmt.Sprintf("%-14s %s", d.Kind.DisplayName(), name)
		if m.selected != nil && device.Equal(m.selected, &d) {
			how := "auto"
			if m.explicit {
				how = "chosen"
			}
			line = selectedStyle.Render(line) + dimStyle.Render("  ("+how+")")
		}
		b.WriteString(pointer + line + "\n")
	}

	body := panelStyle.Render(strings.TrimRight(b.String(), "\n"))

	status := ""
	if m.status != "" {
		if m.failed {
			status = errorStyle.Render(m.status)
		} else {
			status = dimStyle.Render(m.status)
		}
	}

	return lipgloss.JoinVertical(lipgloss.Left, body, status, m.help.View(keys))
}
