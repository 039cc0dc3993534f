// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Shibo Chen

package cmd

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cnshibo/robust-serial/pkg/robustserial"
)

var tuiListen bool

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Interactive session monitor",
	Long: `Opens a full-screen terminal session against the peer. Typed lines are
sent as reliable stream data once connected; lines starting with "/dg "
are sent as datagrams. Received data, datagrams, and stack events scroll
in the log. With --listen the session waits for the peer to connect
instead of initiating.`,
	RunE: runTUI,
}

func init() {
	tuiCmd.Flags().BoolVar(&tuiListen, "listen", false, "Accept a connection instead of initiating")
	rootCmd.AddCommand(tuiCmd)
}

// Log entry
type tuiLogEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// Messages
type tuiTickMsg time.Time
type tuiEventMsg robustserial.Event
type tuiDataMsg []byte
type tuiDatagramMsg []byte
type tuiRunErrMsg error

type tuiModel struct {
	session  *Session
	connInfo string

	input         textinput.Model
	log           []tuiLogEntry
	maxLogEntries int

	width    int
	height   int
	quitting bool
}

func initialTUIModel(session *Session, connInfo string) tuiModel {
	ti := textinput.New()
	ti.Placeholder = "message, or /dg AA BB, /stats, /quit"
	ti.CharLimit = 200
	ti.Width = 60
	ti.Focus()

	return tuiModel{
		session:       session,
		connInfo:      connInfo,
		input:         ti,
		log:           make([]tuiLogEntry, 0),
		maxLogEntries: 100,
		width:         80,
		height:        24,
	}
}

func (m tuiModel) Init() tea.Cmd {
	return tea.Batch(
		tuiTickCmd(),
		textinput.Blink,
		tea.EnterAltScreen,
	)
}

func tuiTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tuiTickMsg(t)
	})
}

func (m *tuiModel) appendLog(message string, isError bool) {
	m.log = append(m.log, tuiLogEntry{timestamp: time.Now(), message: message, isError: isError})
	if len(m.log) > m.maxLogEntries {
		m.log = m.log[len(m.log)-m.maxLogEntries:]
	}
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tuiTickMsg:
		return m, tuiTickCmd()

	case tuiEventMsg:
		m.appendLog(fmt.Sprintf("event: %s", robustserial.Event(msg)), false)
		return m, nil

	case tuiDataMsg:
		m.appendLog(fmt.Sprintf("< %s", string(msg)), false)
		return m, nil

	case tuiDatagramMsg:
		m.appendLog(fmt.Sprintf("< datagram % X", []byte(msg)), false)
		return m, nil

	case tuiRunErrMsg:
		m.appendLog(fmt.Sprintf("connection lost: %v", error(msg)), true)
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			m.quitting = true
			return m, tea.Quit
		case tea.KeyEnter:
			line := strings.TrimSpace(m.input.Value())
			m.input.SetValue("")
			if line != "" {
				m.handleLine(line)
			}
			if m.quitting {
				return m, tea.Quit
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *tuiModel) handleLine(line string) {
	switch {
	case line == "/quit":
		m.quitting = true

	case line == "/stats":
		for _, row := range strings.Split(strings.TrimSpace(m.session.Stack.Stats().String()), "\n") {
			m.appendLog(row, false)
		}

	case line == "/disconnect":
		var err error
		m.session.Do(func() { err = m.session.Stack.Disconnect() })
		if err != nil {
			m.appendLog(fmt.Sprintf("disconnect: %v", err), true)
		}

	case strings.HasPrefix(line, "/dg "):
		payload := make([]byte, 0)
		for _, tok := range strings.Fields(line[4:]) {
			var b byte
			if _, err := fmt.Sscanf(tok, "%02X", &b); err != nil {
				m.appendLog(fmt.Sprintf("bad hex byte %q", tok), true)
				return
			}
			payload = append(payload, b)
		}
		if err := m.session.SendDatagram(payload); err != nil {
			m.appendLog(fmt.Sprintf("datagram: %v", err), true)
			return
		}
		m.appendLog(fmt.Sprintf("> datagram % X", payload), false)

	default:
		if err := m.session.Send([]byte(line)); err != nil {
			m.appendLog(fmt.Sprintf("send: %v", err), true)
			return
		}
		m.appendLog(fmt.Sprintf("> %s", line), false)
	}
}

func (m tuiModel) View() string {
	if m.quitting {
		return ""
	}

	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	stateStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10")).
		Bold(true)

	errorStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("9"))

	var b strings.Builder

	b.WriteString(titleStyle.Render("Robust Serial"))
	b.WriteString("\n")
	b.WriteString(headerStyle.Render(m.connInfo))
	b.WriteString("  ")
	b.WriteString(stateStyle.Render(fmt.Sprintf("%s / %s",
		m.session.Stack.State(), m.session.Stack.TransportState())))
	b.WriteString("\n\n")

	logHeight := m.height - 6
	if logHeight < 1 {
		logHeight = 1
	}
	start := 0
	if len(m.log) > logHeight {
		start = len(m.log) - logHeight
	}
	for _, entry := range m.log[start:] {
		line := fmt.Sprintf("%s %s", entry.timestamp.Format("15:04:05"), entry.message)
		if entry.isError {
			line = errorStyle.Render(line)
		}
		b.WriteString(line)
		b.WriteString("\n")
	}
	for i := len(m.log[start:]); i < logHeight; i++ {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(m.input.View())
	return b.String()
}

func runTUI(cmd *cobra.Command, args []string) error {
	cfg, err := applySettings()
	if err != nil {
		return err
	}

	port, err := openLinkPort()
	if err != nil {
		return err
	}
	defer port.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	session := NewSession(port, cfg)
	p := tea.NewProgram(initialTUIModel(session, port.String()))

	// Stack callbacks run on the session loop goroutine; Program.Send is
	// the thread-safe way back into the UI.
	session.Stack.SetEventCallback(func(ev robustserial.Event) {
		p.Send(tuiEventMsg(ev))
	})
	session.Stack.SetDataCallback(func(data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		p.Send(tuiDataMsg(cp))
	})
	session.Stack.SetDatagramCallback(func(data []byte) {
		cp := make([]byte, len(data))
		copy(cp, data)
		p.Send(tuiDatagramMsg(cp))
	})

	go func() {
		if err := session.Run(ctx); err != nil {
			p.Send(tuiRunErrMsg(err))
		}
	}()

	go session.Do(func() {
		if tuiListen {
			session.Stack.Listen()
		} else {
			session.Stack.Connect()
		}
	})

	_, err = p.Run()
	return err
}