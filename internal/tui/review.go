// Package tui implements the interactive violation review console.
package tui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"geoattest/internal/report"
	"geoattest/internal/store"
)

// Ledger is the part of the violation store the console uses.
type Ledger interface {
	ListViolations(ctx context.Context, f store.ViolationFilter) ([]store.ViolationRecord, error)
	ResolveViolation(ctx context.Context, id, resolverID, notes string, at time.Time) (*store.ViolationRecord, error)
}

// State is the current screen of the console.
type State int

const (
	StateLoading State = iota
	StateReady
	StateError
	StateDetail
	StateResolving
	StateSaving
)

const (
	pageSize   = 200
	opTimeout  = 10 * time.Second
	chromeRows = 8
)

type (
	// ViolationsLoadedMsg carries a fresh list of unresolved records.
	ViolationsLoadedMsg struct {
		Records []store.ViolationRecord
	}

	// ErrorMsg reports a failed load or resolve.
	ErrorMsg struct {
		Err error
	}

	// ResolvedMsg is sent after a record was resolved.
	ResolvedMsg struct {
		Record *store.ViolationRecord
	}
)

// Model is the review console.
type Model struct {
	ledger     Ledger
	resolverID string
	now        func() time.Time

	records  []store.ViolationRecord
	filtered []store.ViolationRecord

	table    table.Model
	detail   viewport.Model
	spinner  spinner.Model
	help     help.Model
	keys     KeyMap
	renderer *report.Generator

	filterInput  textinput.Model
	filterActive bool
	filterText   string

	notesInput textinput.Model
	resolving  *store.ViolationRecord

	state  State
	err    error
	status string
	width  int
	height int
}

// NewModel creates a console that resolves records as resolverID.
func NewModel(ledger Ledger, resolverID string) Model {
	columns := []table.Column{
		{Title: "ID", Width: 10},
		{Title: "Subject", Width: 18},
		{Title: "Type", Width: 20},
		{Title: "Score", Width: 5},
		{Title: "Action", Width: 8},
		{Title: "Created", Width: 20},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ColorBorder).
		BorderBottom(true).
		Bold(true).
		Foreground(ColorSecondary)
	s.Selected = s.Selected.
		Foreground(ColorForeground).
		Background(ColorPrimary).
		Bold(true)
	t.SetStyles(s)

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = lipgloss.NewStyle().Foreground(ColorPrimary)

	fi := textinput.New()
	fi.Placeholder = "Filter by subject, type or ID..."
	fi.CharLimit = 64
	fi.Width = 40
	fi.PromptStyle = lipgloss.NewStyle().Foreground(ColorSecondary)

	ni := textinput.New()
	ni.Placeholder = "Resolution notes"
	ni.CharLimit = 500
	ni.Width = 60
	ni.PromptStyle = lipgloss.NewStyle().Foreground(ColorSecondary)

	return Model{
		ledger:      ledger,
		resolverID:  resolverID,
		now:         time.Now,
		table:       t,
		detail:      viewport.New(80, 20),
		spinner:     sp,
		help:        help.New(),
		keys:        DefaultKeyMap(),
		renderer:    report.NewGenerator(report.FormatText).WithVerbose(true),
		filterInput: fi,
		notesInput:  ni,
		state:       StateLoading,
	}
}

// Init starts loading unresolved records.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.loadViolations())
}

func (m Model) loadViolations() tea.Cmd {
	ledger := m.ledger
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		unresolved := false
		recs, err := ledger.ListViolations(ctx, store.ViolationFilter{Resolved: &unresolved, Limit: pageSize})
		if err != nil {
			return ErrorMsg{Err: err}
		}
		return ViolationsLoadedMsg{Records: recs}
	}
}

func (m Model) resolveCmd(id, notes string) tea.Cmd {
	ledger, resolver, at := m.ledger, m.resolverID, m.now()
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		defer cancel()

		rec, err := ledger.ResolveViolation(ctx, id, resolver, notes, at)
		if err != nil {
			return ErrorMsg{Err: fmt.Errorf("resolve %s: %w", id, err)}
		}
		return ResolvedMsg{Record: rec}
	}
}

// Update handles messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width
		m.table.SetHeight(max(3, m.height-chromeRows))
		m.detail.Width = max(20, msg.Width-4)
		m.detail.Height = max(5, m.height-chromeRows)
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case ViolationsLoadedMsg:
		m.state = StateReady
		m.err = nil
		m.records = msg.Records
		m.applyFilter()
		return m, nil

	case ResolvedMsg:
		m.status = fmt.Sprintf("Resolved %s", shortID(msg.Record.ID))
		m.removeRecord(msg.Record.ID)
		m.state = StateReady
		return m, nil

	case ErrorMsg:
		m.err = msg.Err
		if errors.Is(msg.Err, store.ErrAlreadyResolved) {
			// Someone else got there first; drop it from the queue.
			m.status = "Already resolved elsewhere"
			m.err = nil
			if m.resolving != nil {
				m.removeRecord(m.resolving.ID)
			}
			m.state = StateReady
			return m, nil
		}
		m.state = StateError
		return m, nil

	case spinner.TickMsg:
		if m.state == StateLoading || m.state == StateSaving {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
		return m, nil
	}

	return m.updateFocused(msg)
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch m.state {
	case StateResolving:
		switch msg.String() {
		case "esc":
			m.state = StateReady
			m.resolving = nil
			m.notesInput.Blur()
			m.notesInput.SetValue("")
			m.table.Focus()
			return m, nil
		case "enter":
			id := m.resolving.ID
			notes := strings.TrimSpace(m.notesInput.Value())
			m.notesInput.Blur()
			m.notesInput.SetValue("")
			m.state = StateSaving
			return m, tea.Batch(m.spinner.Tick, m.resolveCmd(id, notes))
		}
		var cmd tea.Cmd
		m.notesInput, cmd = m.notesInput.Update(msg)
		return m, cmd

	case StateDetail:
		switch {
		case key.Matches(msg, m.keys.Back):
			m.state = StateReady
			return m, nil
		case key.Matches(msg, m.keys.Resolve):
			return m.startResolve()
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		}
		var cmd tea.Cmd
		m.detail, cmd = m.detail.Update(msg)
		return m, cmd

	case StateSaving, StateLoading:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil
	}

	if m.filterActive {
		switch msg.String() {
		case "esc", "enter":
			m.filterActive = false
			m.filterInput.Blur()
			m.table.Focus()
			return m, nil
		}
		var cmd tea.Cmd
		m.filterInput, cmd = m.filterInput.Update(msg)
		m.filterText = m.filterInput.Value()
		m.applyFilter()
		return m, cmd
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit

	case key.Matches(msg, m.keys.Back):
		if m.filterText != "" {
			m.filterText = ""
			m.filterInput.SetValue("")
			m.applyFilter()
		}
		return m, nil

	case key.Matches(msg, m.keys.Refresh):
		m.state = StateLoading
		m.status = ""
		return m, tea.Batch(m.spinner.Tick, m.loadViolations())

	case key.Matches(msg, m.keys.Search):
		if m.state == StateReady {
			m.filterActive = true
			m.filterInput.Focus()
			return m, textinput.Blink
		}

	case key.Matches(msg, m.keys.Select):
		if rec := m.Selected(); rec != nil && m.state == StateReady {
			var buf bytes.Buffer
			if err := m.renderer.Violation(rec, &buf); err != nil {
				m.err = err
				m.state = StateError
				return m, nil
			}
			m.detail.SetContent(buf.String())
			m.detail.GotoTop()
			m.state = StateDetail
			return m, nil
		}

	case key.Matches(msg, m.keys.Resolve):
		if m.state == StateReady {
			return m.startResolve()
		}

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll
		return m, nil
	}

	return m.updateFocused(msg)
}

func (m Model) startResolve() (tea.Model, tea.Cmd) {
	rec := m.Selected()
	if rec == nil {
		return m, nil
	}
	m.resolving = rec
	m.state = StateResolving
	m.table.Blur()
	m.notesInput.SetValue("")
	m.notesInput.Focus()
	return m, textinput.Blink
}

func (m Model) updateFocused(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.state != StateReady || m.filterActive {
		return m, nil
	}
	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

// Selected returns the record under the cursor.
func (m Model) Selected() *store.ViolationRecord {
	i := m.table.Cursor()
	if i < 0 || i >= len(m.filtered) {
		return nil
	}
	rec := m.filtered[i]
	return &rec
}

// Records returns the visible records.
func (m Model) Records() []store.ViolationRecord {
	return m.filtered
}

// State returns the current screen.
func (m Model) State() State {
	return m.state
}

func (m *Model) removeRecord(id string) {
	kept := make([]store.ViolationRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.ID != id {
			kept = append(kept, rec)
		}
	}
	m.records = kept
	m.resolving = nil
	m.applyFilter()
}

func (m *Model) applyFilter() {
	filter := strings.ToLower(strings.TrimSpace(m.filterText))
	m.filtered = make([]store.ViolationRecord, 0, len(m.records))
	for _, rec := range m.records {
		if filter == "" ||
			strings.Contains(strings.ToLower(rec.SubjectID), filter) ||
			strings.Contains(strings.ToLower(string(rec.Type)), filter) ||
			strings.HasPrefix(strings.ToLower(rec.ID), filter) {
			m.filtered = append(m.filtered, rec)
		}
	}

	rows := make([]table.Row, 0, len(m.filtered))
	for _, rec := range m.filtered {
		rows = append(rows, table.Row{
			shortID(rec.ID),
			rec.SubjectID,
			string(rec.Type),
			fmt.Sprintf("%d", rec.Score),
			string(rec.Action),
			rec.CreatedAt.Local().Format("2006-01-02 15:04:05"),
		})
	}
	m.table.SetRows(rows)
	if c := m.table.Cursor(); c >= len(rows) && len(rows) > 0 {
		m.table.SetCursor(len(rows) - 1)
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

// View renders the console.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(TitleStyle.Render("Violation review"))
	b.WriteString("\n")

	switch m.state {
	case StateLoading:
		b.WriteString(m.spinner.View() + " Loading unresolved violations...\n")
		return b.String()

	case StateError:
		b.WriteString(ErrorTextStyle.Render("Error: "+m.err.Error()) + "\n\n")
		b.WriteString(MutedTextStyle.Render("u reload • q quit") + "\n")
		return b.String()

	case StateDetail:
		b.WriteString(FocusedBoxStyle.Render(m.detail.View()) + "\n")
		b.WriteString(MutedTextStyle.Render("esc back • r resolve • ↑/↓ scroll • q quit") + "\n")
		return b.String()

	case StateSaving:
		b.WriteString(m.spinner.View() + " Resolving...\n")
		return b.String()
	}

	b.WriteString(SubtitleStyle.Render(fmt.Sprintf("%d unresolved, %d shown", len(m.records), len(m.filtered))))
	b.WriteString("\n")
	if m.filterActive || m.filterText != "" {
		b.WriteString(m.filterInput.View() + "\n")
	}

	if len(m.filtered) == 0 {
		b.WriteString(MutedTextStyle.Render("Nothing to review.") + "\n")
	} else {
		b.WriteString(BoxStyle.Render(m.table.View()) + "\n")
	}

	if m.state == StateResolving && m.resolving != nil {
		rec := m.resolving
		b.WriteString(fmt.Sprintf("Resolve %s (%s, %s) as %s\n",
			shortID(rec.ID), rec.SubjectID, actionStyle(string(rec.Action)).Render(string(rec.Action)), m.resolverID))
		b.WriteString(m.notesInput.View() + "\n")
		b.WriteString(MutedTextStyle.Render("enter confirm • esc cancel") + "\n")
		return b.String()
	}

	if m.status != "" {
		b.WriteString(StatusBarStyle.Render(m.status) + "\n")
	}
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

// Run starts the console on the terminal and blocks until the user quits.
func Run(ledger Ledger, resolverID string) error {
	_, err := tea.NewProgram(NewModel(ledger, resolverID), tea.WithAltScreen()).Run()
	return err
}
