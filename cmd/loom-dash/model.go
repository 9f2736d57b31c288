package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"

	"loom/pkg/alert"
	"loom/pkg/eventlog"
	"loom/pkg/protocol"
)

// Mode is a dashboard layout.
type Mode int

const (
	// ModeFull shows contexts, alerts, health, and the event tail.
	ModeFull Mode = iota
	// ModeCompact shows one line per context.
	ModeCompact
	// ModeSplit shows contexts and events side by side.
	ModeSplit
	// ModeMinimized shows a single summary line.
	ModeMinimized
)

var modeNames = [...]string{"full", "compact", "split", "minimized"}

func (m Mode) String() string {
	if m < 0 || int(m) >= len(modeNames) {
		return fmt.Sprintf("mode(%d)", int(m))
	}
	return modeNames[m]
}

func (m Mode) next() Mode {
	return (m + 1) % Mode(len(modeNames))
}

func parseMode(s string) (Mode, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, n := range modeNames {
		if n == s {
			return Mode(i), nil
		}
	}
	return ModeFull, fmt.Errorf("unknown mode %q (want full, compact, split, or minimized)", s)
}

// ioTimeout bounds each background read or write issued by the model.
const ioTimeout = 3 * time.Second

type (
	// tickMsg drives the periodic refresh.
	tickMsg time.Time

	snapshotMsg struct {
		snap       *protocol.StatusSnapshot
		checkpoint *protocol.Checkpoint
		err        error
	}

	eventsMsg struct {
		events []eventlog.Event
		err    error
	}

	checkpointMsg struct {
		cp  *protocol.Checkpoint
		err error
	}

	notifyMsg struct{ err error }

	prefsSavedMsg struct{ err error }
)

// quitSignal lets the supervisor start the shutdown grace period the moment
// the user asks to quit.
type quitSignal struct {
	once sync.Once
	ch   chan struct{}
}

func newQuitSignal() *quitSignal {
	return &quitSignal{ch: make(chan struct{})}
}

func (q *quitSignal) fire() {
	if q == nil {
		return
	}
	q.once.Do(func() { close(q.ch) })
}

func (q *quitSignal) Done() <-chan struct{} { return q.ch }

// Options configures a Model.
type Options struct {
	Sources      Sources
	Watcher      *statusWatcher
	Notifier     alert.Notifier
	Thresholds   alert.Thresholds
	Refresh      time.Duration
	StaleFactor  int
	Prefs        Prefs
	DefaultTheme string
	Now          func() time.Time
}

// Model is the Bubble Tea model for the loom dashboard.
type Model struct {
	src         Sources
	watcher     *statusWatcher
	notifier    alert.Notifier
	refresh     time.Duration
	staleFactor int
	now         func() time.Time

	keys   keyMap
	help   help.Model
	bar    progress.Model
	theme  Theme
	styles Styles

	mode     Mode
	showHelp bool
	width    int
	height   int

	snap        *protocol.StatusSnapshot
	snapErr     error
	checkpoint  *protocol.Checkpoint
	loadedAt    time.Time
	events      []eventlog.Event
	lastEventID int64

	alerts    *alert.State
	lastAlert string
	flash     string

	quit     *quitSignal
	quitting bool
}

func newModel(opts Options) Model {
	if opts.Refresh <= 0 {
		opts.Refresh = protocol.DefaultRefreshInterval
	}
	if opts.StaleFactor <= 0 {
		opts.StaleFactor = protocol.DefaultStaleFactor
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Thresholds == (alert.Thresholds{}) {
		opts.Thresholds = alert.DefaultThresholds()
	}
	mode, err := parseMode(opts.Prefs.Mode)
	if err != nil {
		mode = ModeFull
	}
	themeName := opts.Prefs.Theme
	if themeName == "" {
		themeName = opts.DefaultTheme
	}

	m := Model{
		src:         opts.Sources,
		watcher:     opts.Watcher,
		notifier:    opts.Notifier,
		refresh:     opts.Refresh,
		staleFactor: opts.StaleFactor,
		now:         opts.Now,
		keys:        defaultKeyMap(),
		help:        help.New(),
		mode:        mode,
		alerts:      alert.NewState(opts.Thresholds),
	}
	m.applyTheme(themeName)
	return m
}

func (m *Model) applyTheme(name string) {
	m.theme = ThemeFor(name)
	m.styles = NewStyles(m.theme)
	m.bar = progress.New(
		progress.WithSolidFill(string(m.theme.Primary)),
		progress.WithoutPercentage(),
		progress.WithWidth(20),
	)
}

func tickCmd(d time.Duration) tea.Cmd {
	return tea.Tick(d, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.loadSnapshot(), m.loadEvents(), tickCmd(m.refresh), m.watcher.Next())
}

func (m Model) loadSnapshot() tea.Cmd {
	src := m.src
	return func() tea.Msg {
		snap, err := src.Snapshot()
		cp, cpErr := src.Checkpoint()
		if err == nil {
			err = cpErr
		}
		return snapshotMsg{snap: snap, checkpoint: cp, err: err}
	}
}

func (m Model) loadEvents() tea.Cmd {
	src, after := m.src, m.lastEventID
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		events, err := src.EventsSince(ctx, after)
		return eventsMsg{events: events, err: err}
	}
}

func (m Model) recordCheckpoint() tea.Cmd {
	src, at := m.src, m.now()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), ioTimeout)
		defer cancel()
		cp, err := src.RecordCheckpoint(ctx, at)
		return checkpointMsg{cp: cp, err: err}
	}
}

func (m Model) savePrefs() tea.Cmd {
	src := m.src
	p := Prefs{Mode: m.mode.String(), Theme: m.theme.Name}
	return func() tea.Msg {
		return prefsSavedMsg{err: src.SavePrefs(p)}
	}
}

func (m Model) notify(t alert.Transition) tea.Cmd {
	if m.notifier == nil {
		return nil
	}
	n := m.notifier
	return func() tea.Msg {
		return notifyMsg{err: n.Notify(context.Background(), t)}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case tickMsg:
		return m, tea.Batch(m.loadSnapshot(), m.loadEvents(), tickCmd(m.refresh))

	case fsChangeMsg:
		return m, tea.Batch(m.loadSnapshot(), m.watcher.Next())

	case snapshotMsg:
		m.applySnapshot(msg)
		return m, m.evaluateAlert()

	case eventsMsg:
		m.applyEvents(msg)

	case checkpointMsg:
		if msg.cp != nil {
			m.checkpoint = msg.cp
			m.alerts.Checkpoint(msg.cp.At)
			m.lastAlert = ""
			m.flash = "checkpoint recorded at " + msg.cp.At.Local().Format(time.TimeOnly)
		}
		if msg.err != nil {
			m.flash = "checkpoint: " + msg.err.Error()
		}

	case notifyMsg:
		if msg.err != nil {
			m.flash = "notify: " + msg.err.Error()
		}

	case prefsSavedMsg:
		if msg.err != nil {
			m.flash = "save prefs: " + msg.err.Error()
		}
	}

	return m, nil
}

func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		m.quitting = true
		m.quit.fire()
		return m, tea.Quit
	case key.Matches(msg, m.keys.Help):
		m.showHelp = !m.showHelp
		m.help.ShowAll = m.showHelp
	case key.Matches(msg, m.keys.Full):
		return m.setMode(ModeFull)
	case key.Matches(msg, m.keys.Compact):
		return m.setMode(ModeCompact)
	case key.Matches(msg, m.keys.Split):
		return m.setMode(ModeSplit)
	case key.Matches(msg, m.keys.Minimized):
		return m.setMode(ModeMinimized)
	case key.Matches(msg, m.keys.Cycle):
		return m.setMode(m.mode.next())
	case key.Matches(msg, m.keys.Checkpoint):
		m.flash = "recording checkpoint..."
		return m, m.recordCheckpoint()
	case key.Matches(msg, m.keys.Ack):
		if m.alerts.Level() == alert.Gentle {
			m.flash = "nothing to acknowledge"
		} else {
			m.alerts.Acknowledge()
			m.flash = m.alerts.Level().String() + " alert acknowledged"
		}
	case key.Matches(msg, m.keys.Refresh):
		m.flash = ""
		return m, tea.Batch(m.loadSnapshot(), m.loadEvents())
	case key.Matches(msg, m.keys.Theme):
		m.applyTheme(nextTheme(m.theme.Name))
		return m, m.savePrefs()
	}
	return m, nil
}

func (m Model) setMode(mode Mode) (tea.Model, tea.Cmd) {
	if mode == m.mode {
		return m, nil
	}
	m.mode = mode
	return m, m.savePrefs()
}

// applySnapshot keeps the last good snapshot when a read fails so the view
// can still show when data was last known.
func (m *Model) applySnapshot(msg snapshotMsg) {
	m.loadedAt = m.now()
	if msg.snap != nil {
		m.snap = msg.snap
	}
	if msg.checkpoint != nil {
		m.checkpoint = msg.checkpoint
	}
	m.snapErr = msg.err
}

func (m *Model) applyEvents(msg eventsMsg) {
	if msg.err != nil || len(msg.events) == 0 {
		return
	}
	m.events = append(m.events, msg.events...)
	if over := len(m.events) - eventTailSize; over > 0 {
		m.events = append([]eventlog.Event(nil), m.events[over:]...)
	}
	m.lastEventID = m.events[len(m.events)-1].ID
}

// evaluateAlert advances the alert state and returns the notification
// command for a firing escalation.
func (m *Model) evaluateAlert() tea.Cmd {
	base, ok := alertBaseline(m.snap, m.checkpoint)
	if !ok {
		return nil
	}
	t, changed := m.alerts.Evaluate(base, m.now())
	if !changed {
		if m.alerts.Level() == alert.Gentle {
			m.lastAlert = ""
		}
		return nil
	}
	m.lastAlert = alert.Message(t)
	if !t.Fire {
		return nil
	}
	return m.notify(t)
}

// alertBaseline is the later of the snapshot's baseline and a checkpoint
// read directly from disk, so a checkpoint shows up before the next tick.
func alertBaseline(snap *protocol.StatusSnapshot, cp *protocol.Checkpoint) (time.Time, bool) {
	base, ok := snap.AlertBaseline()
	if cp != nil && cp.At.After(base) {
		base, ok = cp.At, true
	}
	return base, ok
}

// stale reports whether the shown data is missing or older than the stale
// factor allows.
func (m Model) stale(now time.Time) bool {
	return m.snap.IsStale(now, m.staleFactor)
}

// noSnapshot reports whether the status file is absent.
func (m Model) noSnapshot() bool {
	return m.snap == nil && (m.snapErr == nil || errors.Is(m.snapErr, protocol.ErrNoSnapshot))
}
