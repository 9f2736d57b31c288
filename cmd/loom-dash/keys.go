package main

import "github.com/charmbracelet/bubbles/key"

// keyMap holds every dashboard binding. It implements help.KeyMap.
type keyMap struct {
	Full       key.Binding
	Compact    key.Binding
	Split      key.Binding
	Minimized  key.Binding
	Cycle      key.Binding
	Checkpoint key.Binding
	Ack        key.Binding
	Refresh    key.Binding
	Theme      key.Binding
	Help       key.Binding
	Quit       key.Binding
}

func defaultKeyMap() keyMap {
	return keyMap{
		Full:       key.NewBinding(key.WithKeys("f"), key.WithHelp("f", "full view")),
		Compact:    key.NewBinding(key.WithKeys("c"), key.WithHelp("c", "compact view")),
		Split:      key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "split view")),
		Minimized:  key.NewBinding(key.WithKeys("m"), key.WithHelp("m", "minimized view")),
		Cycle:      key.NewBinding(key.WithKeys("tab"), key.WithHelp("tab", "next view")),
		Checkpoint: key.NewBinding(key.WithKeys("p"), key.WithHelp("p", "checkpoint")),
		Ack:        key.NewBinding(key.WithKeys("a"), key.WithHelp("a", "acknowledge alert")),
		Refresh:    key.NewBinding(key.WithKeys("r"), key.WithHelp("r", "refresh")),
		Theme:      key.NewBinding(key.WithKeys("t"), key.WithHelp("t", "next theme")),
		Help:       key.NewBinding(key.WithKeys("?"), key.WithHelp("?", "toggle help")),
		Quit:       key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

// ShortHelp implements help.KeyMap.
func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Cycle, k.Checkpoint, k.Ack, k.Help, k.Quit}
}

// FullHelp implements help.KeyMap.
func (k keyMap) FullHelp() [][]key.Binding {
	return [][]key.Binding{
		{k.Full, k.Compact, k.Split, k.Minimized, k.Cycle},
		{k.Checkpoint, k.Ack, k.Refresh},
		{k.Theme, k.Help, k.Quit},
	}
}
