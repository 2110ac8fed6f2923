// Command drover is an interactive coding-agent CLI: a bubbletea TUI in
// front of the operation executor, with the shared event queue fanned out to
// the session log and the display state machine.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/jordanhart/drover/agent"
	"github.com/jordanhart/drover/backend"
	"github.com/jordanhart/drover/display"
	"github.com/jordanhart/drover/executor"
	"github.com/jordanhart/drover/protocol"
	"github.com/jordanhart/drover/sessionlog"
)

const (
	mainSessionID  = "main"
	queueBuffer    = 256
	defaultModel   = "claude-sonnet-4-5"
	commandTimeout = 2 * time.Minute
	maxCmdTimeout  = 10 * time.Minute
)

const systemPrompt = `You are drover, a coding agent working in the user's project directory.
Use the available tools to read files, list directories, and run commands.
Spawn sub-agents for focused exploration when a question can be answered
independently. Be concise.`

type appConfig struct {
	workDir   string
	model     string
	provider  string
	logDir    string
	altScreen bool
}

func parseFlags() appConfig {
	var cfg appConfig
	flag.StringVar(&cfg.workDir, "dir", ".", "project directory the agent works in")
	flag.StringVar(&cfg.model, "model", defaultModel, "model to use")
	flag.StringVar(&cfg.provider, "provider", "", "backend provider (default: first configured)")
	flag.StringVar(&cfg.logDir, "log-dir", "", "directory for session logs (default: <dir>/.drover)")
	flag.BoolVar(&cfg.altScreen, "alt-screen", true, "run in the terminal alternate screen")
	flag.Parse()

	if cfg.logDir == "" {
		cfg.logDir = filepath.Join(cfg.workDir, ".drover")
	}
	return cfg
}

// taskRunner adapts the agent task executor to the operation layer.
type taskRunner struct {
	exec *agent.TaskExecutor
}

func (r *taskRunner) RunTask(ctx context.Context, operationID, input string, images []backend.ImageData) protocol.TaskOutcome {
	return r.exec.RunTask(ctx, operationID, input, images).Outcome
}

// slashDispatcher routes /commands to internal actions and everything else
// to the model.
type slashDispatcher struct {
	tasks  *agent.TaskExecutor
	status func(string)
}

func (d *slashDispatcher) Dispatch(text string) executor.Dispatch {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return executor.Dispatch{Kind: executor.DispatchPrompt, Prompt: text}
	}

	fields := strings.Fields(trimmed)
	switch fields[0] {
	case "/model":
		return executor.Dispatch{Kind: executor.DispatchInternal, Run: func(ctx context.Context) error {
			if len(fields) < 2 {
				return fmt.Errorf("usage: /model <name>")
			}
			d.tasks.SetModel(fields[1], "")
			d.status("model switched to " + fields[1])
			return nil
		}}
	case "/help":
		return executor.Dispatch{Kind: executor.DispatchInternal, Run: func(ctx context.Context) error {
			d.status("commands: /model <name>, /help · esc interrupts · ctrl+c quits")
			return nil
		}}
	default:
		return executor.Dispatch{Kind: executor.DispatchInternal, Run: func(ctx context.Context) error {
			return fmt.Errorf("unknown command: %s", fields[0])
		}}
	}
}

// Messages from the pump goroutine into the program.

type renderMsg struct {
	cmds []display.RenderCommand
}

type shutdownMsg struct{}

type statusMsg string

type uiTheme struct {
	title    lipgloss.Style
	user     lipgloss.Style
	thinking lipgloss.Style
	tool     lipgloss.Style
	toolErr  lipgloss.Style
	header   lipgloss.Style
	errText  lipgloss.Style
	finish   lipgloss.Style
	status   lipgloss.Style
}

func newTheme() uiTheme {
	return uiTheme{
		title:    lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#05ffa1")),
		user:     lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7aa2f7")),
		thinking: lipgloss.NewStyle().Faint(true).Italic(true),
		tool:     lipgloss.NewStyle().Foreground(lipgloss.Color("#ffd166")),
		toolErr:  lipgloss.NewStyle().Foreground(lipgloss.Color("#f7768e")),
		header:   lipgloss.NewStyle().Faint(true),
		errText:  lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#f7768e")),
		finish:   lipgloss.NewStyle().Faint(true),
		status:   lipgloss.NewStyle().Faint(true),
	}
}

type model struct {
	cfg    appConfig
	exec   *executor.Executor
	logger *slog.Logger
	theme  uiTheme

	scrollback []string // finished output, rendered in the viewport
	live       string   // streaming text of the current response
	thinking   string   // streaming thinking of the current response
	statusLine string
	busy       bool
	quitting   bool

	width  int
	height int

	input    textinput.Model
	timeline viewport.Model
	spinner  spinner.Model
}

func newModel(cfg appConfig, exec *executor.Executor, logger *slog.Logger) model {
	input := textinput.New()
	input.Prompt = "❯ "
	input.CharLimit = 8000
	input.Placeholder = "Ask the agent anything. /help for commands."
	input.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Points
	sp.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("#05ffa1"))

	timeline := viewport.New(0, 0)
	timeline.MouseWheelEnabled = true

	return model{
		cfg:        cfg,
		exec:       exec,
		logger:     logger,
		theme:      newTheme(),
		statusLine: "ready",
		input:      input,
		timeline:   timeline,
		spinner:    sp,
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, textinput.Blink)
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		m.renderTimeline()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case renderMsg:
		for _, rc := range msg.cmds {
			m.applyRender(rc)
		}
		m.renderTimeline()

	case statusMsg:
		m.statusLine = string(msg)

	case shutdownMsg:
		return m, tea.Quit

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if !m.quitting {
				m.quitting = true
				m.statusLine = "shutting down..."
				m.submit(executor.NewEnd())
			}
			return m, nil
		case "esc":
			m.submit(executor.NewInterrupt())
			return m, nil
		case "enter":
			text := strings.TrimSpace(m.input.Value())
			if text == "" {
				return m, nil
			}
			m.input.Reset()
			m.busy = true
			m.statusLine = "working..."
			m.submit(executor.NewUserInput(text, nil))
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		cmds = append(cmds, cmd)

	case tea.MouseMsg:
		var cmd tea.Cmd
		m.timeline, cmd = m.timeline.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

// submit hands an operation to the executor without blocking the UI loop.
func (m *model) submit(op executor.Operation) {
	if _, err := m.exec.Submit(op); err != nil {
		m.logger.Warn("submit rejected", "kind", op.Kind, "error", err)
		m.statusLine = err.Error()
	}
}

// applyRender folds one render command into the UI buffers.
func (m *model) applyRender(rc display.RenderCommand) {
	switch rc.Kind {
	case display.CmdClaimLiveArea:
		m.live = ""
		m.thinking = ""

	case display.CmdAppendThinking:
		if rc.Target == display.TargetLive {
			m.thinking += rc.Text
		}

	case display.CmdAppendText:
		if rc.Target == display.TargetLive {
			m.live += rc.Text
		} else {
			m.appendLogText(rc.SessionID, rc.Text)
		}

	case display.CmdShowToolBanner:
		line := m.theme.tool.Render(fmt.Sprintf("⚙ %s", rc.ToolName))
		m.flushLive()
		m.scrollback = append(m.scrollback, prefixSession(rc, line))

	case display.CmdShowToolResult:
		style := m.theme.tool
		if rc.IsError {
			style = m.theme.toolErr
		}
		m.scrollback = append(m.scrollback, prefixSession(rc, style.Render(firstLines(rc.Text, 6))))

	case display.CmdShowHeader:
		if strings.HasPrefix(rc.Text, "> ") {
			m.scrollback = append(m.scrollback, m.theme.user.Render(prefixSession(rc, rc.Text)))
		} else {
			m.scrollback = append(m.scrollback, m.theme.header.Render(prefixSession(rc, rc.Text)))
		}

	case display.CmdShowError:
		m.flushLive()
		m.scrollback = append(m.scrollback, m.theme.errText.Render(prefixSession(rc, "error: "+rc.Text)))
		m.busy = false
		m.statusLine = "error"

	case display.CmdShowFinish:
		m.flushLive()
		if rc.Target == display.TargetLive {
			m.busy = false
			m.statusLine = fmt.Sprintf("task %s", rc.Outcome)
		} else {
			m.scrollback = append(m.scrollback,
				m.theme.finish.Render(prefixSession(rc, fmt.Sprintf("agent finished: %s", rc.Outcome))))
		}
	}
}

// flushLive moves the current live response into the scrollback.
func (m *model) flushLive() {
	if m.thinking != "" {
		m.scrollback = append(m.scrollback, m.theme.thinking.Render(m.thinking))
		m.thinking = ""
	}
	if m.live != "" {
		m.scrollback = append(m.scrollback, m.live)
		m.live = ""
	}
}

// appendLogText accumulates sub-agent text onto its last scrollback line.
func (m *model) appendLogText(sessionID, text string) {
	prefix := "[" + sessionID + "] "
	if n := len(m.scrollback); n > 0 && strings.HasPrefix(m.scrollback[n-1], prefix) {
		m.scrollback[n-1] += text
		return
	}
	m.scrollback = append(m.scrollback, prefix+text)
}

func prefixSession(rc display.RenderCommand, line string) string {
	if rc.Target == display.TargetLive {
		return line
	}
	return "[" + rc.SessionID + "] " + line
}

func firstLines(s string, n int) string {
	lines := strings.Split(s, "\n")
	if len(lines) <= n {
		return s
	}
	return strings.Join(lines[:n], "\n") + fmt.Sprintf("\n… (%d more lines)", len(lines)-n)
}

func (m *model) resize() {
	m.input.Width = m.width - 4
	m.timeline.Width = m.width
	m.timeline.Height = max(m.height-5, 3)
}

func (m *model) renderTimeline() {
	var sb strings.Builder
	for _, line := range m.scrollback {
		sb.WriteString(line)
		sb.WriteString("\n")
	}
	if m.thinking != "" {
		sb.WriteString(m.theme.thinking.Render(m.thinking))
		sb.WriteString("\n")
	}
	if m.live != "" {
		sb.WriteString(m.live)
		sb.WriteString("\n")
	}
	m.timeline.SetContent(lipgloss.NewStyle().Width(max(m.width-2, 20)).Render(sb.String()))
	m.timeline.GotoBottom()
}

func (m model) View() string {
	title := m.theme.title.Render("drover") + m.theme.status.Render("  "+m.cfg.model)
	status := m.theme.status.Render(m.statusLine)
	if m.busy {
		status = m.spinner.View() + " " + status
	}
	return title + "\n" + m.timeline.View() + "\n" + m.input.View() + "\n" + status
}

func run() error {
	cfg := parseFlags()

	if err := os.MkdirAll(cfg.logDir, 0o755); err != nil {
		return fmt.Errorf("log dir: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(cfg.logDir, "drover.log"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer logFile.Close()
	logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(logger)

	client := backend.NewClientFromEnv()
	if len(client.Providers()) == 0 {
		return fmt.Errorf("no backend configured: set ANTHROPIC_API_KEY or OPENAI_API_KEY")
	}

	queue := protocol.NewQueue(queueBuffer)

	ws := agent.NewWorkspace(cfg.workDir)
	tools := agent.NewRegistry()
	agent.RegisterCoreTools(tools, ws, commandTimeout, maxCmdTimeout)

	taskCfg := agent.DefaultTaskConfig()
	taskCfg.Turn.Model = cfg.model
	taskCfg.Turn.Provider = cfg.provider
	taskCfg.Turn.SystemPrompt = systemPrompt

	subagents := agent.NewSubAgentManager(mainSessionID, client, tools, queue, taskCfg, 0, logger)
	agent.RegisterSpawnAgentTool(tools, subagents)

	tasks := agent.NewTaskExecutor(mainSessionID, client, tools, subagents, queue, taskCfg, logger)

	logWriter, err := sessionlog.NewWriter(filepath.Join(cfg.logDir, "sessions"))
	if err != nil {
		return err
	}
	defer logWriter.Close()

	var program *tea.Program
	dispatcher := &slashDispatcher{tasks: tasks, status: func(s string) {
		if program != nil {
			program.Send(statusMsg(s))
		}
	}}
	exec := executor.New(mainSessionID, queue, &taskRunner{exec: tasks}, dispatcher, logger)

	opts := []tea.ProgramOption{tea.WithMouseCellMotion()}
	if cfg.altScreen {
		opts = append(opts, tea.WithAltScreen())
	}
	program = tea.NewProgram(newModel(cfg, exec, logger), opts...)

	// The pump: single consumer of the shared queue, teeing every event to
	// the session log and the display machine, forwarding render commands
	// into the program. Ends on the shutdown sentinel.
	go func() {
		machine := display.NewMachine()
		for ev := range queue.Events() {
			if err := logWriter.Append(ev); err != nil {
				logger.Error("session log append failed", "error", err)
			}
			if cmds := machine.Apply(ev); len(cmds) > 0 {
				program.Send(renderMsg{cmds: cmds})
			}
			if ev.Kind == protocol.EventShutdown {
				logWriter.Flush()
				program.Send(shutdownMsg{})
				return
			}
		}
	}()

	if _, err := exec.Submit(executor.NewInitAgent()); err != nil {
		return err
	}

	if _, err := program.Run(); err != nil {
		return fmt.Errorf("tui: %w", err)
	}
	queue.Close()
	return nil
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "drover:", err)
		os.Exit(1)
	}
}
