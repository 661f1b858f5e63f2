package client

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	realtimeTypes "github.com/ricochet1k/concordia/pkg/realtime"
)

// ErrTUIUnavailable means the full-screen client could not run. The
// connection is untouched, so the caller can fall back to the plain prompt.
var ErrTUIUnavailable = errors.New("terminal UI unavailable")

const maxTranscriptLines = 5000

// TUIConfig configures the full-screen client.
type TUIConfig struct {
	Sender  Sender
	Shell   func(ctx context.Context, command string) string
	Restart func(ctx context.Context) (string, error)
	// Self is the participant's own name, highlighted in the status bar.
	Self string

	In  io.Reader
	Out io.Writer
}

type serverMsg realtimeTypes.ServerEnvelope

type feedClosedMsg struct{ err error }

type lineDoneMsg struct {
	fb  feedback
	err error
}

type tuiStyles struct {
	bar     lipgloss.Style
	brand   lipgloss.Style
	label   lipgloss.Style
	self    lipgloss.Style
	invite  lipgloss.Style
	echo    lipgloss.Style
	divider string
}

func newTUIStyles() tuiStyles {
	bg := lipgloss.Color("#1f2335")
	return tuiStyles{
		bar:     lipgloss.NewStyle().Background(bg).Foreground(lipgloss.Color("#c0caf5")),
		brand:   lipgloss.NewStyle().Background(lipgloss.Color("#7aa2f7")).Foreground(lipgloss.Color("#1a1b26")).Bold(true).Padding(0, 1),
		label:   lipgloss.NewStyle().Background(bg).Foreground(lipgloss.Color("#565f89")),
		self:    lipgloss.NewStyle().Background(bg).Foreground(lipgloss.Color("#9ece6a")).Bold(true),
		invite:  lipgloss.NewStyle().Background(bg).Foreground(lipgloss.Color("#e0af68")),
		echo:    lipgloss.NewStyle().Foreground(lipgloss.Color("#565f89")),
		divider: " │ ",
	}
}

// tuiModel is the bubbletea model of a joined participant: a scrolling
// transcript, a status bar with the invite and the roster, and an input line.
type tuiModel struct {
	ctx  context.Context
	cmds commands

	input  textinput.Model
	view   viewport.Model
	styles tuiStyles

	buf        *bytes.Buffer
	render     *Renderer
	transcript []string

	self     string
	mainUser string
	users    []string
	invite   string

	width, height int
	ready         bool
	// lost is why the connection ended; err is a local failure such as a
	// prompt that could not be sent.
	lost error
	err  error
}

func newTUIModel(ctx context.Context, cfg TUIConfig) tuiModel {
	input := textinput.New()
	input.Prompt = "› "
	input.Placeholder = "type a prompt, /help for commands"
	input.CharLimit = 8000
	input.Focus()

	buf := &bytes.Buffer{}
	m := tuiModel{
		ctx:    ctx,
		cmds:   commands{sender: cfg.Sender, shell: cfg.Shell, restart: cfg.Restart},
		input:  input,
		view:   viewport.New(0, 0),
		styles: newTUIStyles(),
		buf:    buf,
		render: NewRenderer(buf),
		self:   cfg.Self,
	}
	m.render.Raw(m.cmds.help())
	m.flush()
	return m
}

func (m tuiModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m tuiModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.view.Width = msg.Width
		m.view.Height = max(msg.Height-2, 1)
		m.input.Width = max(msg.Width-lipgloss.Width(m.input.Prompt)-1, 1)
		m.ready = true
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyEnter:
			line := m.input.Value()
			m.input.Reset()
			if strings.TrimSpace(line) == "" {
				return m, nil
			}
			m.append(m.styles.echo.Render("› " + strings.TrimSpace(line)))
			return m, m.run(line)
		case tea.KeyPgUp, tea.KeyPgDown:
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		return m, cmd

	case serverMsg:
		env := realtimeTypes.ServerEnvelope(msg)
		switch env.Type {
		case realtimeTypes.ServerMessageTypeParticipants:
			m.mainUser = env.MainUser
			m.users = env.Users
		case realtimeTypes.ServerMessageTypeInvite:
			m.invite = env.Code
		}
		m.render.Render(env)
		m.flush()
		return m, nil

	case lineDoneMsg:
		switch {
		case msg.fb.notice:
			m.render.Notice("%s", msg.fb.text)
		case msg.fb.text != "":
			m.render.Raw(msg.fb.text)
		}
		m.flush()
		if errors.Is(msg.err, errQuit) {
			return m, tea.Quit
		}
		if msg.err != nil {
			m.err = msg.err
			return m, tea.Quit
		}
		return m, nil

	case feedClosedMsg:
		m.lost = msg.err
		return m, tea.Quit
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m tuiModel) View() string {
	if !m.ready {
		return "joining party…"
	}
	return lipgloss.JoinVertical(lipgloss.Left, m.view.View(), m.statusBar(), m.input.View())
}

func (m tuiModel) statusBar() string {
	s := m.styles
	host := m.mainUser
	if host == "" {
		host = "?"
	}
	users := make([]string, 0, len(m.users))
	for _, u := range m.users {
		if u == m.self {
			users = append(users, s.self.Render(u))
			continue
		}
		users = append(users, s.bar.Render(u))
	}
	parts := []string{
		s.label.Render("host ") + s.bar.Render(host),
		s.label.Render("users ") + strings.Join(users, s.bar.Render(", ")),
	}
	if m.invite != "" {
		parts = append(parts, s.label.Render("invite ")+s.invite.Render(m.invite))
	}
	line := s.brand.Render("concordia") + s.bar.Render(" ") + strings.Join(parts, s.bar.Render(s.divider))
	return s.bar.Width(m.width).MaxWidth(m.width).Render(line)
}

// run executes a line off the UI goroutine; sends and commands may block.
func (m tuiModel) run(line string) tea.Cmd {
	ctx, cmds := m.ctx, m.cmds
	return func() tea.Msg {
		fb, err := cmds.exec(ctx, line)
		return lineDoneMsg{fb: fb, err: err}
	}
}

func (m *tuiModel) append(line string) {
	m.transcript = append(m.transcript, line)
	if extra := len(m.transcript) - maxTranscriptLines; extra > 0 {
		m.transcript = m.transcript[extra:]
	}
	m.refresh()
}

// flush moves whatever the renderer wrote into the transcript.
func (m *tuiModel) flush() {
	out := strings.TrimRight(m.buf.String(), "\n")
	m.buf.Reset()
	if out == "" {
		m.refresh()
		return
	}
	for _, line := range strings.Split(out, "\n") {
		m.transcript = append(m.transcript, line)
	}
	if extra := len(m.transcript) - maxTranscriptLines; extra > 0 {
		m.transcript = m.transcript[extra:]
	}
	m.refresh()
}

// refresh redraws the transcript, following the tail unless the user has
// scrolled up.
func (m *tuiModel) refresh() {
	follow := m.view.AtBottom()
	m.view.SetContent(strings.Join(m.transcript, "\n"))
	if follow || !m.ready {
		m.view.GotoBottom()
	}
}

// RunTUI runs the full-screen client until the user quits or the connection
// ends. A failure to drive the terminal is reported as ErrTUIUnavailable.
func RunTUI(ctx context.Context, feed *Feed, cfg TUIConfig) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	opts := []tea.ProgramOption{tea.WithContext(ctx), tea.WithAltScreen()}
	if cfg.In != nil {
		opts = append(opts, tea.WithInput(cfg.In))
	}
	if cfg.Out != nil {
		opts = append(opts, tea.WithOutput(cfg.Out))
	}
	p := tea.NewProgram(newTUIModel(ctx, cfg), opts...)

	go func() {
		for {
			msg, err := feed.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.Send(feedClosedMsg{err: err})
				}
				return
			}
			p.Send(serverMsg(msg))
		}
	}()
	go keepAlive(ctx, feed)

	final, err := p.Run()
	switch {
	case err == nil:
	case errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil, errors.Is(err, tea.ErrInterrupted):
		return nil
	default:
		return fmt.Errorf("%w: %w", ErrTUIUnavailable, err)
	}
	m, ok := final.(tuiModel)
	switch {
	case !ok:
		return nil
	case m.lost != nil:
		return disconnected(m.lost)
	}
	return m.err
}
