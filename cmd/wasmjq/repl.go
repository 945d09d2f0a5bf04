package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	wasmjq "github.com/wippyai/wasm-jq"
	"github.com/wippyai/wasm-jq/pool"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	flagStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

// chromeHeight is the number of lines around the output viewport.
const chromeHeight = 6

func newReplCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "repl [FILE]",
		Short: "Edit a filter interactively against one document",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources, implyNull, err := readSources(cmd.InOrStdin(), args)
			if err != nil {
				return usageError{err}
			}

			ctx := cmd.Context()
			a, err := newApp(ctx)
			if err != nil {
				return err
			}
			defer a.Close(ctx)

			var flags wasmjq.Flags
			if implyNull {
				flags = wasmjq.FlagNullInput
			}
			m := newReplModel(ctx, a.pool, sources[0], flags)
			_, err = tea.NewProgram(m, tea.WithAltScreen(), tea.WithInputTTY()).Run()
			return err
		},
	}
}

type replModel struct {
	ctx     context.Context
	pool    *pool.Pool
	src     source
	flags   wasmjq.Flags
	filter  textinput.Model
	output  viewport.Model
	err     error
	elapsed time.Duration
	runs    int
}

type evalMsg struct {
	filter  string
	out     []byte
	err     error
	elapsed time.Duration
}

func newReplModel(ctx context.Context, p *pool.Pool, src source, flags wasmjq.Flags) *replModel {
	ti := textinput.New()
	ti.Placeholder = "."
	ti.Prompt = "jq> "
	ti.Focus()

	return &replModel{
		ctx:    ctx,
		pool:   p,
		src:    src,
		flags:  flags,
		filter: ti,
		output: viewport.New(80, 20),
	}
}

func (m *replModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m *replModel) evaluate() tea.Cmd {
	filter := strings.TrimSpace(m.filter.Value())
	if filter == "" {
		filter = "."
	}
	flags := m.flags
	return func() tea.Msg {
		start := time.Now()
		out, err := m.pool.Run(m.ctx, pool.Request{Input: m.src.data, Filter: filter, Flags: flags})
		return evalMsg{filter: filter, out: out, err: err, elapsed: time.Since(start)}
	}
}

func (m *replModel) toggle(flag wasmjq.Flags) tea.Cmd {
	m.flags ^= flag
	return m.evaluate()
}

func (m *replModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "esc":
			return m, tea.Quit
		case "enter":
			return m, m.evaluate()
		case "ctrl+o":
			return m, m.toggle(wasmjq.FlagCompact)
		case "ctrl+s":
			return m, m.toggle(wasmjq.FlagSlurp)
		case "ctrl+n":
			return m, m.toggle(wasmjq.FlagNullInput)
		case "pgup", "pgdown", "up", "down":
			var cmd tea.Cmd
			m.output, cmd = m.output.Update(msg)
			return m, cmd
		}

	case tea.WindowSizeMsg:
		m.output.Width = msg.Width
		m.output.Height = max(msg.Height-chromeHeight, 1)
		m.filter.Width = max(msg.Width-len(m.filter.Prompt)-1, 10)

	case evalMsg:
		m.runs++
		m.err = msg.err
		m.elapsed = msg.elapsed
		if msg.err == nil {
			m.output.SetContent(resultStyle.Render(string(msg.out)))
		} else {
			m.output.SetContent(errorStyle.Render(msg.err.Error()))
		}
		m.output.GotoTop()
		return m, nil
	}

	var cmd tea.Cmd
	m.filter, cmd = m.filter.Update(msg)
	return m, cmd
}

func (m *replModel) status() string {
	if m.runs == 0 {
		return "enter to evaluate"
	}
	if m.err != nil {
		return errorStyle.Render("error") + fmt.Sprintf(" after %s", m.elapsed.Round(time.Microsecond))
	}
	return fmt.Sprintf("ok in %s", m.elapsed.Round(time.Microsecond))
}

func (m *replModel) View() string {
	var b strings.Builder

	b.WriteString(titleStyle.Render("wasmjq"))
	b.WriteString(" ")
	b.WriteString(m.src.name)
	b.WriteString("  ")
	b.WriteString(flagStyle.Render(m.flags.String()))
	b.WriteString("\n\n")
	b.WriteString(m.filter.View())
	b.WriteString("\n\n")
	b.WriteString(m.output.View())
	b.WriteString("\n")
	b.WriteString(helpStyle.Render(m.status() + " • ctrl+o compact • ctrl+s slurp • ctrl+n null input • esc quit"))

	return b.String()
}
