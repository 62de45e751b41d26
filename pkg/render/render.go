// Package render maps cached usage entries to status bar JSON, template
// fields, and plain CLI text. It is pure: all freshness math takes the
// current time as an argument.
package render

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/rmax-ai/usagebar/pkg/cache"
	"github.com/rmax-ai/usagebar/pkg/provider"
)

// Waybar custom-module colors per provider.
var providerColors = map[provider.ID]string{
	provider.Claude: "#DE7356",
	provider.Codex:  "#10A37F",
}

const (
	iconGlyph     = "\U000f0721" // 󰜡
	timeIconGlyph = "\U000f051a" // 󰔚
	errorColor    = "#ff5555"
)

// Output is the JSON object a Waybar custom module consumes.
type Output struct {
	Text       string `json:"text"`
	Tooltip    string `json:"tooltip"`
	Class      string `json:"class"`
	Alt        string `json:"alt,omitempty"`
	Percentage int    `json:"percentage,omitempty"`
}

// Options control window selection and custom templating.
type Options struct {
	// Show5h forces the 5-hour window regardless of 7-day utilization.
	Show5h bool
	// Format overrides the default status bar text template.
	Format string
	// TooltipFormat overrides the default tooltip template.
	TooltipFormat string
}

// Fields is the flat string mapping handed to the output templates.
type Fields map[string]string

// selection is the resolved display window.
type selection struct {
	window  provider.WindowUsage
	name    string // "5h" or "7d"
	length  time.Duration
	pct     int
	special string // "Ready", "Pause", or ""
}

// selectWindow applies the display rule: 5-hour unless the 7-day window
// exceeds 80% utilization, overridable by Show5h.
func selectWindow(entry *cache.Entry, show5h bool) selection {
	sel := selection{window: entry.FiveHour, name: "5h", length: provider.WindowFiveHour}
	if !show5h && entry.SevenDay.Utilization > 80 {
		sel = selection{window: entry.SevenDay, name: "7d", length: provider.WindowSevenDay}
	}
	sel.pct = int(sel.window.Utilization + 0.5)
	return sel
}

// resolveSpecial computes the Ready/Pause states for the displayed window.
func resolveSpecial(sel selection, now time.Time) string {
	if sel.window.Utilization >= 100 {
		return "Pause"
	}
	if !sel.window.Started {
		return "Ready"
	}
	// A window with zero use whose reset sits a full window length away has
	// effectively not been touched yet.
	if sel.window.Utilization == 0 && sel.window.ResetsAt != nil {
		if sel.window.ResetsAt.Sub(now) >= sel.length-time.Second {
			return "Ready"
		}
	}
	return ""
}

// ETA formats the time until reset: "2d03h", "4h19m" or "19m30s".
func ETA(resetsAt time.Time, now time.Time) string {
	secs := int(resetsAt.Sub(now).Seconds())
	if secs <= 0 {
		return "0m00s"
	}
	switch {
	case secs >= 86400:
		return fmt.Sprintf("%dd%02dh", secs/86400, (secs%86400)/3600)
	case secs >= 3600:
		return fmt.Sprintf("%dh%02dm", secs/3600, (secs%3600)/60)
	default:
		return fmt.Sprintf("%dm%02ds", secs/60, secs%60)
	}
}

func resetField(w provider.WindowUsage, now time.Time) string {
	if w.ResetsAt == nil {
		return "Not started"
	}
	return ETA(*w.ResetsAt, now)
}

// BuildFields produces the flat template field map for a successful entry.
func BuildFields(entry *cache.Entry, opts Options, now time.Time) Fields {
	sel := selectWindow(entry, opts.Show5h)
	color := providerColors[entry.Provider]

	return Fields{
		"5h_pct":          fmt.Sprintf("%d", int(entry.FiveHour.Utilization+0.5)),
		"7d_pct":          fmt.Sprintf("%d", int(entry.SevenDay.Utilization+0.5)),
		"5h_reset":        resetField(entry.FiveHour, now),
		"7d_reset":        resetField(entry.SevenDay, now),
		"icon":            fmt.Sprintf("<span foreground='%s' size='large'>%s</span>", color, iconGlyph),
		"icon_plain":      iconGlyph,
		"time_icon":       fmt.Sprintf("<span foreground='%s' size='large'>%s</span>", color, timeIconGlyph),
		"time_icon_plain": timeIconGlyph,
		"status":          resolveSpecial(sel, now),
		"pct":             fmt.Sprintf("%d", sel.pct),
		"reset":           resetField(sel.window, now),
		"win":             sel.name,
	}
}

// colorClass maps the displayed percentage to the three-tier CSS class.
func colorClass(id provider.ID, pct int) string {
	switch {
	case pct < 50:
		return string(id) + "-low"
	case pct < 80:
		return string(id) + "-mid"
	default:
		return string(id) + "-high"
	}
}

// Waybar renders the JSON object for a Waybar custom module. Error entries
// map to a short fixed label and the critical class; technical detail only
// appears in the tooltip.
func Waybar(entry *cache.Entry, opts Options, now time.Time) Output {
	if entry.Status != provider.StatusOK {
		return Output{
			Text:    fmt.Sprintf("<span foreground='%s'>%s %s</span>", errorColor, iconGlyph, entry.Status.Label()),
			Tooltip: fmt.Sprintf("Error fetching %s usage:\n%s", entry.Provider, entry.Message),
			Class:   "critical",
		}
	}

	fields := BuildFields(entry, opts, now)
	sel := selectWindow(entry, opts.Show5h)
	special := resolveSpecial(sel, now)

	var text string
	switch {
	case opts.Format != "":
		text = Format(opts.Format, fields)
	case special != "":
		text = fields["icon"] + " " + special
	default:
		text = fmt.Sprintf("%s %s%% %s %s", fields["icon"], fields["pct"], fields["time_icon"], fields["reset"])
	}

	var tooltip string
	if opts.TooltipFormat != "" {
		tooltip = Format(opts.TooltipFormat, fields)
	} else {
		tooltip = defaultTooltip(entry, fields)
	}

	return Output{
		Text:       text,
		Tooltip:    tooltip,
		Class:      colorClass(entry.Provider, sel.pct),
		Alt:        sel.name,
		Percentage: sel.pct,
	}
}

func defaultTooltip(entry *cache.Entry, fields Fields) string {
	var b strings.Builder
	b.WriteString("Window     Used    Reset\n")
	b.WriteString("━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(&b, "5-Hour     %3.0f%%    %s\n", entry.FiveHour.Utilization, fields["5h_reset"])
	fmt.Fprintf(&b, "7-Day      %3.0f%%    %s\n", entry.SevenDay.Utilization, fields["7d_reset"])
	b.WriteString("\nClick to Refresh")
	return b.String()
}

// CLI tier styles, matching the 50/80 class boundaries.
var (
	lowStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	midStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	highStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	errStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true)
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

func tierStyle(pct float64) lipgloss.Style {
	switch {
	case pct < 50:
		return lowStyle
	case pct < 80:
		return midStyle
	default:
		return highStyle
	}
}

// CLI renders a plain-terminal view of the entry.
func CLI(entry *cache.Entry, now time.Time) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s usage\n", entry.Provider)

	if entry.Status != provider.StatusOK {
		fmt.Fprintf(&b, "  %s\n", errStyle.Render(entry.Status.Label()))
		if entry.Message != "" {
			fmt.Fprintf(&b, "  %s\n", dimStyle.Render(entry.Message))
		}
		return b.String()
	}

	line := func(name string, w provider.WindowUsage) {
		pct := tierStyle(w.Utilization).Render(fmt.Sprintf("%5.1f%%", w.Utilization))
		fmt.Fprintf(&b, "  %-7s %s  (resets in %s)\n", name, pct, resetField(w, now))
	}
	line("5-hour", entry.FiveHour)
	line("7-day", entry.SevenDay)
	fmt.Fprintf(&b, "  %s\n", dimStyle.Render("fetched "+entry.FetchedAt.Local().Format("15:04:05")))
	return b.String()
}
