package main

import (
	"strings"

	catppuccin "github.com/catppuccin/go"
	"github.com/charmbracelet/lipgloss"
)

// defaultThemeName is used when neither prefs nor config name a flavor.
const defaultThemeName = "mocha"

var flavors = map[string]catppuccin.Flavor{
	"latte":     catppuccin.Latte,
	"frappe":    catppuccin.Frappe,
	"macchiato": catppuccin.Macchiato,
	"mocha":     catppuccin.Mocha,
}

// themeNames lists the flavors in cycle order.
var themeNames = []string{"latte", "frappe", "macchiato", "mocha"}

// Theme defines the visual styling for the loom dashboard.
type Theme struct {
	Name      string
	Primary   lipgloss.Color
	Secondary lipgloss.Color
	Success   lipgloss.Color
	Warning   lipgloss.Color
	Urgent    lipgloss.Color
	Error     lipgloss.Color
	Muted     lipgloss.Color
	Text      lipgloss.Color
	Surface   lipgloss.Color
}

// ThemeFor returns the catppuccin flavor called name, or mocha when the name
// is unknown.
func ThemeFor(name string) Theme {
	name = strings.ToLower(strings.TrimSpace(name))
	f, ok := flavors[name]
	if !ok {
		name = defaultThemeName
		f = flavors[name]
	}
	hex := func(c catppuccin.Color) lipgloss.Color { return lipgloss.Color(c.Hex) }
	return Theme{
		Name:      name,
		Primary:   hex(f.Mauve()),
		Secondary: hex(f.Sky()),
		Success:   hex(f.Green()),
		Warning:   hex(f.Yellow()),
		Urgent:    hex(f.Peach()),
		Error:     hex(f.Red()),
		Muted:     hex(f.Overlay0()),
		Text:      hex(f.Text()),
		Surface:   hex(f.Surface0()),
	}
}

// nextTheme returns the flavor after name in cycle order.
func nextTheme(name string) string {
	for i, n := range themeNames {
		if n == name {
			return themeNames[(i+1)%len(themeNames)]
		}
	}
	return defaultThemeName
}

// Styles are the lipgloss styles derived from a Theme.
type Styles struct {
	Title     lipgloss.Style
	Section   lipgloss.Style
	Active    lipgloss.Style
	Label     lipgloss.Style
	Muted     lipgloss.Style
	Stale     lipgloss.Style
	Flash     lipgloss.Style
	Panel     lipgloss.Style
	HelpTitle lipgloss.Style
	Levels    map[string]lipgloss.Style
}

// NewStyles builds Styles for t.
func NewStyles(t Theme) Styles {
	return Styles{
		Title:     lipgloss.NewStyle().Bold(true).Foreground(t.Primary),
		Section:   lipgloss.NewStyle().Bold(true).Foreground(t.Secondary),
		Active:    lipgloss.NewStyle().Bold(true).Foreground(t.Success),
		Label:     lipgloss.NewStyle().Foreground(t.Text),
		Muted:     lipgloss.NewStyle().Foreground(t.Muted),
		Stale:     lipgloss.NewStyle().Bold(true).Foreground(t.Error),
		Flash:     lipgloss.NewStyle().Italic(true).Foreground(t.Secondary),
		Panel:     lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(t.Surface).Padding(0, 1),
		HelpTitle: lipgloss.NewStyle().Bold(true).Foreground(t.Primary).Padding(1, 0, 0, 0),
		Levels: map[string]lipgloss.Style{
			"gentle":   lipgloss.NewStyle().Foreground(t.Success),
			"nudge":    lipgloss.NewStyle().Foreground(t.Warning),
			"urgent":   lipgloss.NewStyle().Bold(true).Foreground(t.Urgent),
			"critical": lipgloss.NewStyle().Bold(true).Foreground(t.Error).Blink(true),
		},
	}
}
