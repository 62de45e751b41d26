// Package tui renders a live usage dashboard in the terminal. It polls
// through the shared fetch pipeline, so refreshes respect the cache TTL
// and never hammer the upstream APIs.
package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/usagebar/pkg/cache"
	"github.com/rmax-ai/usagebar/pkg/fetch"
	"github.com/rmax-ai/usagebar/pkg/provider"
	"github.com/rmax-ai/usagebar/pkg/render"
)

const barWidth = 40

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("205"))
	subtleStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	labelStyle  = lipgloss.NewStyle().Width(10)

	paneStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("63")).
			Padding(0, 1).
			Width(barWidth + 22)
)

type tickMsg time.Time

type entriesMsg map[provider.ID]*cache.Entry

type providerBars struct {
	fiveHour progress.Model
	sevenDay progress.Model
}

// Model is the bubbletea model for the watch dashboard.
type Model struct {
	spinner   spinner.Model
	bars      map[provider.ID]providerBars
	entries   map[provider.ID]*cache.Entry
	fetcher   *fetch.Fetcher
	providers []provider.Provider
	interval  time.Duration
	updatedAt time.Time
	ready     bool
}

// NewModel creates a dashboard that refreshes every interval.
func NewModel(fetcher *fetch.Fetcher, providers []provider.Provider, interval time.Duration) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	bars := make(map[provider.ID]providerBars, len(providers))
	for _, p := range providers {
		bars[p.ID()] = providerBars{fiveHour: newBar(), sevenDay: newBar()}
	}

	return Model{
		spinner:   s,
		bars:      bars,
		entries:   make(map[provider.ID]*cache.Entry, len(providers)),
		fetcher:   fetcher,
		providers: providers,
		interval:  interval,
	}
}

func newBar() progress.Model {
	b := progress.New(progress.WithDefaultGradient())
	b.Width = barWidth
	return b
}

func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchAll(), m.tick())
}

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var (
		cmd  tea.Cmd
		cmds []tea.Cmd
	)

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return m, tea.Quit
		}

	case spinner.TickMsg:
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case tickMsg:
		cmds = append(cmds, m.fetchAll(), m.tick())

	case entriesMsg:
		m.entries = msg
		m.updatedAt = time.Now()
		m.ready = true
	}

	return m, tea.Batch(cmds...)
}

func (m Model) View() string {
	if !m.ready {
		return fmt.Sprintf("\n%s Fetching usage...", m.spinner.View())
	}

	now := time.Now()
	panes := make([]string, 0, len(m.providers))
	for _, p := range m.providers {
		entry, ok := m.entries[p.ID()]
		if !ok {
			continue
		}
		panes = append(panes, m.providerPane(p.ID(), entry, now))
	}

	footer := subtleStyle.Render(fmt.Sprintf("\n%s updated %s • press q to quit",
		m.spinner.View(), m.updatedAt.Format("15:04:05")))

	return lipgloss.JoinVertical(lipgloss.Left, append(panes, footer)...)
}

func (m Model) providerPane(id provider.ID, entry *cache.Entry, now time.Time) string {
	var sb strings.Builder
	sb.WriteString(titleStyle.Render(strings.ToUpper(string(id))))
	if entry.PlanType != "" {
		sb.WriteString(subtleStyle.Render("  " + entry.PlanType))
	}
	sb.WriteString("\n")

	if entry.Status != provider.StatusOK {
		sb.WriteString(errorStyle.Render(entry.Status.Label()))
		if entry.Message != "" {
			sb.WriteString(subtleStyle.Render("  " + entry.Message))
		}
		return paneStyle.Render(sb.String())
	}

	sb.WriteString(m.windowLine(m.bars[id].fiveHour, "5 hour", entry.FiveHour, now))
	sb.WriteString("\n")
	sb.WriteString(m.windowLine(m.bars[id].sevenDay, "7 day", entry.SevenDay, now))
	return paneStyle.Render(sb.String())
}

func (m Model) windowLine(bar progress.Model, label string, w provider.WindowUsage, now time.Time) string {

	var reset string
	switch {
	case !w.Started:
		reset = subtleStyle.Render("not started")
	case w.ResetsAt != nil:
		reset = okStyle.Render(render.ETA(*w.ResetsAt, now))
	}

	return fmt.Sprintf("%s %s %3.0f%% %s",
		labelStyle.Render(label),
		bar.ViewAs(w.Utilization/100),
		w.Utilization,
		reset)
}

func (m Model) fetchAll() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		entries := make(entriesMsg, len(m.providers))
		for _, p := range m.providers {
			entries[p.ID()] = m.fetcher.Fetch(ctx, p)
		}
		return entries
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Run starts the dashboard in the alternate screen.
func Run(fetcher *fetch.Fetcher, providers []provider.Provider, interval time.Duration) error {
	p := tea.NewProgram(NewModel(fetcher, providers, interval), tea.WithAltScreen())
	_, err := p.Run()
	return err
}
