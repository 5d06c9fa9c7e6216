package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"memini/internal/app"
)

// PanelID 面板标识
// PanelID identifies a panel
type PanelID int

const (
	PanelChat PanelID = iota
	PanelWindows
	PanelLogs
	PanelDaemon
	panelCount
)

var panelNames = [panelCount]string{"Chat", "Windows", "Activity", "Daemon"}

// DefaultTick 默认轮询间隔
// DefaultTick is how often the model drains the app's update bus
const DefaultTick = 100 * time.Millisecond

type tickMsg time.Time

// Model Bubble Tea 主 Model，每次 tick 排空 app 的更新通道
// Model is the Bubble Tea model. It owns the app: every tick drains the
// update bus, then the panels are rebuilt from app state.
type Model struct {
	app  *app.App
	tick time.Duration

	// 布局 / Layout
	width  int
	height int

	// 面板 / Panels
	active PanelID
	views  [panelCount]viewport.Model

	// 输入 / Input
	input textarea.Model

	theme Theme
	keys  KeyMap
}

// NewModel 创建 TUI model
// NewModel creates the TUI model for a started app
func NewModel(a *app.App, tick time.Duration) *Model {
	ta := textarea.New()
	ta.Placeholder = "Message memini, or /help"
	ta.CharLimit = 8192
	ta.ShowLineNumbers = false
	ta.SetHeight(3)
	ta.Focus()

	if tick <= 0 {
		tick = DefaultTick
	}
	m := &Model{
		app:   a,
		tick:  tick,
		input: ta,
		theme: DarkTheme(),
		keys:  DefaultKeyMap(),
	}
	for i := range m.views {
		m.views[i] = viewport.New(80, 10)
	}
	return m
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.nextTick())
}

func (m *Model) nextTick() tea.Cmd {
	return tea.Tick(m.tick, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		if m.app.Drain() || m.app.Busy() {
			m.refresh()
		}
		if m.app.ShouldQuit() {
			return m, tea.Quit
		}
		return m, m.nextTick()

	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.relayout()
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.SwitchPanel):
			m.active = (m.active + 1) % panelCount
			return m, nil
		case key.Matches(msg, m.keys.Submit):
			text := m.input.Value()
			m.input.Reset()
			m.app.Submit(text)
			if m.app.ShouldQuit() {
				return m, tea.Quit
			}
			m.refresh()
			return m, nil
		case key.Matches(msg, m.keys.Newline):
			m.input.InsertString("\n")
			return m, nil
		case key.Matches(msg, m.keys.ClearInput):
			m.input.Reset()
			return m, nil
		case key.Matches(msg, m.keys.NextWaiting):
			m.input.SetValue("/reply next ")
			m.input.CursorEnd()
			return m, nil
		case key.Matches(msg, m.keys.PageUp), key.Matches(msg, m.keys.PageDown):
			var cmd tea.Cmd
			m.views[m.active], cmd = m.views[m.active].Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m *Model) layout() (mainWidth, sidebarWidth, panelHeight int) {
	sidebarWidth = m.width * 25 / 100
	if sidebarWidth < 22 {
		sidebarWidth = 22
	}
	if sidebarWidth > 40 {
		sidebarWidth = 40
	}
	if m.width < 80 {
		sidebarWidth = 0
	}
	mainWidth = m.width - sidebarWidth
	if sidebarWidth > 0 {
		mainWidth-- // border
	}
	// tabs + input box + status bar
	panelHeight = m.height - 1 - 5 - 1
	if panelHeight < 3 {
		panelHeight = 3
	}
	return mainWidth, sidebarWidth, panelHeight
}

func (m *Model) relayout() {
	mainWidth, _, panelHeight := m.layout()
	for i := range m.views {
		m.views[i].Width = mainWidth
		m.views[i].Height = panelHeight
	}
	m.input.SetWidth(mainWidth - 2)
	m.refresh()
}

// refresh 从 app 状态重建各面板
// refresh rebuilds every panel from app state
func (m *Model) refresh() {
	width := m.views[PanelChat].Width - 2
	m.setContent(PanelChat, RenderTranscript(m.app.Transcript(), m.app.Streaming(), width, m.theme), true)
	m.setContent(PanelWindows, RenderWindows(m.app.Windows(), m.theme), false)

	logs := m.app.Logs()
	lines := make([]string, len(logs))
	for i, l := range logs {
		lines[i] = RenderLogLine(l, m.theme)
	}
	m.setContent(PanelLogs, strings.Join(lines, "\n"), true)
	m.setContent(PanelDaemon, m.renderDaemon(), false)
}

func (m *Model) setContent(p PanelID, content string, follow bool) {
	atBottom := m.views[p].AtBottom()
	m.views[p].SetContent(content)
	if follow && atBottom {
		m.views[p].GotoBottom()
	}
}

func (m *Model) renderDaemon() string {
	results := m.app.History().Recent("", 20)
	if len(results) == 0 {
		return m.theme.MutedStyle.Render("  No daemon results yet. See /daemon list")
	}
	var b strings.Builder
	for _, r := range results {
		head := fmt.Sprintf("%s %s", r.At.Format("15:04:05"), r.Task)
		if r.Trigger != "" {
			head += " [" + r.Trigger + "]"
		}
		b.WriteString(m.theme.TitleStyle.Render(head) + "\n")
		if r.Err != nil {
			b.WriteString(m.theme.ErrorStyle.Render("error: "+r.Err.Error()) + "\n\n")
			continue
		}
		b.WriteString(strings.TrimSpace(r.Message) + "\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (m *Model) View() string {
	if m.width == 0 || m.height == 0 {
		return "Initializing..."
	}
	mainWidth, sidebarWidth, panelHeight := m.layout()

	tabs := m.renderTabs()
	panel := lipgloss.NewStyle().Width(mainWidth).Height(panelHeight).Render(m.views[m.active].View())
	inputBox := m.theme.InputStyle.Width(mainWidth).Render(m.input.View())
	main := lipgloss.JoinVertical(lipgloss.Left, tabs, panel, inputBox)

	if sidebarWidth > 0 {
		main = lipgloss.JoinHorizontal(lipgloss.Top, main, m.renderSidebar(sidebarWidth, m.height-1))
	}
	return lipgloss.JoinVertical(lipgloss.Left, main, m.renderStatusBar(m.width))
}

func (m *Model) renderTabs() string {
	waiting := m.app.Status().Waiting
	var parts []string
	for i, name := range panelNames {
		if PanelID(i) == PanelWindows && waiting > 0 {
			name = fmt.Sprintf("%s (%d waiting)", name, waiting)
		}
		style := m.theme.InactiveTabStyle
		if PanelID(i) == m.active {
			style = m.theme.ActiveTabStyle
		}
		parts = append(parts, style.Render(name))
	}
	return lipgloss.JoinHorizontal(lipgloss.Top, parts...)
}

func (m *Model) renderSidebar(width, height int) string {
	st := m.app.Status()
	section := func(title string, lines ...string) []string {
		out := []string{m.theme.TitleStyle.Render(" " + title)}
		for _, l := range lines {
			out = append(out, "  "+l)
		}
		return append(out, "")
	}

	var parts []string
	parts = append(parts, m.theme.TitleStyle.Render(" memini "+m.app.Version()), "")
	parts = append(parts, section("Agent", st.Persona)...)
	parts = append(parts, section("Model", st.Model)...)

	ws := st.Workspace
	if ws == "" {
		ws = "private"
	}
	parts = append(parts, section("Workspace", ws)...)

	servers := []string{m.theme.MutedStyle.Render("none")}
	if len(st.Servers) > 0 {
		servers = st.Servers
	}
	parts = append(parts, section("MCP", servers...)...)

	tools := "local tools off"
	if st.LocalTools {
		tools = "local tools on"
	}
	parts = append(parts, section("Tools", tools)...)
	parts = append(parts, section("Windows",
		fmt.Sprintf("%d thinking", st.Thinking),
		fmt.Sprintf("%d waiting", st.Waiting),
		fmt.Sprintf("%d done", st.Done))...)
	parts = append(parts, section("Daemon", fmt.Sprintf("%d running", st.DaemonTasks))...)
	if st.OAuthPhase != "idle" {
		parts = append(parts, section("OAuth", st.OAuthPhase)...)
	}

	return m.theme.SidebarStyle.Width(width).Height(height).Render(strings.Join(parts, "\n"))
}

func (m *Model) renderStatusBar(width int) string {
	st := m.app.Status()
	status := "ready"
	if st.Busy {
		status = "thinking..."
	}
	left := fmt.Sprintf(" %s · %s · %s", st.Persona, st.Model, status)
	right := "tab panels · ctrl+r reply · ctrl+c quit "

	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	if gap < 0 {
		gap = 0
	}
	return m.theme.StatusBarStyle.Width(width).Render(left + strings.Repeat(" ", gap) + right)
}

// Run 启动 Bubble Tea TUI，退出时由调用方关闭 app
// Run starts the TUI over a started app. The caller shuts the app down.
func Run(a *app.App, tick time.Duration) error {
	p := tea.NewProgram(NewModel(a, tick), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
