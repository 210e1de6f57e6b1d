package ui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/go-go-golems/marionette/pkg/conversation"
	"github.com/go-go-golems/marionette/pkg/session"
)

var (
	humanStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("12")).
			Bold(true)
	assistantStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("252"))
	sourceStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true)
	noticeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))
	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))
)

type submitResultMsg struct {
	err error
}

// Model is the interactive chat view: a viewport over the rendered history
// and a textarea for the next message. Streaming updates arrive as the
// forwarder's messages; the scroll coordinator decides whether they may
// move the viewport.
type Model struct {
	supervisor *session.Supervisor
	scroll     *ScrollCoordinator

	viewport viewport.Model
	input    textarea.Model

	width  int
	height int
	ready  bool

	streaming bool
	notice    string
}

func NewModel(supervisor *session.Supervisor) Model {
	input := textarea.New()
	input.Placeholder = "Ask a question about your application..."
	input.CharLimit = 4000
	input.SetHeight(3)
	input.ShowLineNumbers = false
	input.Focus()

	return Model{
		supervisor: supervisor,
		scroll:     NewScrollCoordinator(),
		input:      input,
	}
}

func (m Model) Init() tea.Cmd {
	return textarea.Blink
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		inputHeight := m.input.Height() + 2
		if !m.ready {
			m.viewport = viewport.New(msg.Width, msg.Height-inputHeight)
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = msg.Height - inputHeight
		}
		m.input.SetWidth(msg.Width - 2)
		m.refreshContent()

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		case tea.KeyEnter:
			return m.submit()
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			m.scroll.OnScroll(m.viewport.AtBottom())
			return m, cmd
		}

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		m.scroll.OnScroll(m.viewport.AtBottom())
		return m, cmd

	case submitResultMsg:
		if msg.err != nil {
			m.streaming = false
		}
		m.refreshContent()
		return m, nil

	case StreamStartMsg:
		m.streaming = true
		m.notice = ""
		m.refreshContent()
		return m, nil

	case StreamCompletionMsg:
		m.refreshContent()
		return m, nil

	case StreamDoneMsg:
		m.streaming = false
		m.refreshContent()
		return m, nil

	case StreamErrorMsg:
		m.streaming = false
		m.notice = errorStyle.Render(msg.Err)
		m.refreshContent()
		return m, nil

	case StreamTimeoutMsg:
		m.streaming = false
		m.notice = errorStyle.Render(msg.Text)
		m.refreshContent()
		return m, nil

	case NotificationMsg:
		m.notice = noticeStyle.Render(msg.Message)
		return m, nil

	case SessionsRefreshMsg:
		// session listings are refreshed by whoever renders them; the
		// chat view has nothing to update
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)

	return m, tea.Batch(cmds...)
}

func (m Model) submit() (tea.Model, tea.Cmd) {
	text := m.input.Value()
	m.input.Reset()
	m.notice = ""
	m.scroll.OnSubmit()

	supervisor := m.supervisor
	return m, func() tea.Msg {
		_, err := supervisor.Submit(context.Background(), text)
		return submitResultMsg{err: err}
	}
}

func (m *Model) refreshContent() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(m.renderHistory())
	if m.scroll.ShouldAutoScroll() {
		m.scroll.WillAutoScroll()
		m.viewport.GotoBottom()
	}
}

func (m *Model) renderHistory() string {
	turns := m.supervisor.History().Snapshot()
	var sb strings.Builder

	for _, turn := range turns {
		switch turn.Role {
		case conversation.RoleHuman:
			sb.WriteString(humanStyle.Render("You: "))
			sb.WriteString(turn.Content)
		case conversation.RoleAssistant:
			sb.WriteString(assistantStyle.Render("Assistant: "))
			sb.WriteString(turn.Content)
			for _, source := range turn.Sources() {
				sb.WriteString("\n")
				sb.WriteString(sourceStyle.Render(fmt.Sprintf("  [%s]", source.Title)))
			}
		}
		sb.WriteString("\n\n")
	}

	if m.streaming {
		sb.WriteString(assistantStyle.Render("..."))
	}
	return sb.String()
}

func (m Model) View() string {
	if !m.ready {
		return "loading..."
	}

	var sb strings.Builder
	sb.WriteString(m.viewport.View())
	sb.WriteString("\n")
	if m.notice != "" {
		sb.WriteString(m.notice)
	}
	sb.WriteString("\n")
	sb.WriteString(m.input.View())
	return sb.String()
}
