package commands

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/antoniostano/parley/internal/session"
	"github.com/antoniostano/parley/internal/voice"
)

var (
	primary = lipgloss.Color("#00ff9f")
	dim     = lipgloss.Color("#6e7681")
	warn    = lipgloss.Color("#ffb86c")
	bad     = lipgloss.Color("#ff5555")
)

var styles = struct {
	title    lipgloss.Style
	label    lipgloss.Style
	help     lipgloss.Style
	selected lipgloss.Style
	err      lipgloss.Style
	meter    lipgloss.Style
	states   map[session.State]lipgloss.Style
}{
	title:    lipgloss.NewStyle().Bold(true).Foreground(primary),
	label:    lipgloss.NewStyle().Bold(true).Foreground(primary),
	help:     lipgloss.NewStyle().Foreground(dim),
	selected: lipgloss.NewStyle().Bold(true).Foreground(primary),
	err:      lipgloss.NewStyle().Foreground(bad),
	meter:    lipgloss.NewStyle().Foreground(primary),
	states: map[session.State]lipgloss.Style{
		session.StateIdle:     lipgloss.NewStyle().Foreground(dim),
		session.StateStarting: lipgloss.NewStyle().Foreground(warn),
		session.StateActive:   lipgloss.NewStyle().Bold(true).Foreground(primary),
		session.StatePaused:   lipgloss.NewStyle().Foreground(warn),
		session.StateStopping: lipgloss.NewStyle().Foreground(warn),
		session.StateError:    lipgloss.NewStyle().Bold(true).Foreground(bad),
	},
}

const meterWidth = 24

func renderState(s session.State) string {
	st, ok := styles.states[s]
	if !ok {
		st = styles.help
	}
	return st.Render(strings.ToUpper(string(s)))
}

// renderStatus is the one-line conversation summary shown after every change.
func renderStatus(snap session.Snapshot, now time.Time) string {
	parts := []string{renderState(snap.State), styles.label.Render(snap.Voice.Name)}
	if snap.Muted {
		parts = append(parts, styles.help.Render("muted"))
	}
	if snap.ActiveSince != nil {
		parts = append(parts, formatElapsed(now.Sub(*snap.ActiveSince)))
	}
	line := strings.Join(parts, "  ")
	if snap.Error != "" {
		line += "\n" + styles.err.Render("error: "+snap.Error)
	}
	return line
}

func renderVoices(catalog voice.Catalog, selected int) string {
	var b strings.Builder
	b.WriteString(styles.title.Render("Voices"))
	for i, v := range catalog.All() {
		b.WriteString("\n")
		marker := "  "
		name := v.Name
		if i == selected {
			marker = "> "
			name = styles.selected.Render(name)
		}
		fmt.Fprintf(&b, "%s%-10s %s %s", marker, v.ID, name, styles.help.Render(v.Description))
	}
	return b.String()
}

// renderMeter draws level in [0,1] as a fixed-width bar.
func renderMeter(label string, level float64) string {
	level = min(max(level, 0), 1)
	filled := int(level*meterWidth + 0.5)
	bar := styles.meter.Render(strings.Repeat("█", filled)) + styles.help.Render(strings.Repeat("·", meterWidth-filled))
	return fmt.Sprintf("%-6s %s %3.0f%%", label, bar, level*100)
}

func formatElapsed(d time.Duration) string {
	d = d.Round(time.Second)
	m := int(d / time.Minute)
	s := int((d % time.Minute) / time.Second)
	return fmt.Sprintf("%02d:%02d", m, s)
}

func maskSecret(secret string) string {
	if len(secret) <= 8 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:6] + strings.Repeat("*", 8)
}

const replHelp = `commands: start  pause  resume  restart  stop  mute  unmute
          next  prev  voice <id>  voices  status  help  quit`
