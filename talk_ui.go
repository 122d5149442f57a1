package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/log"
)

// transmitter is the part of a peer the talk UI drives.
type transmitter interface {
	Toggle(ctx context.Context) (bool, error)
	Transmitting() bool
}

// toggleMsg is sent when a transmission toggle completes
type toggleMsg struct {
	transmitting bool
	err          error
}

func toggleCmd(ctx context.Context, t transmitter) tea.Cmd {
	return func() tea.Msg {
		on, err := t.Toggle(ctx)
		if err != nil {
			on = t.Transmitting()
		}
		return toggleMsg{transmitting: on, err: err}
	}
}

type talkModel struct {
	ctx context.Context
	tx  transmitter
	who string

	transmitting bool
	// A toggle is in flight; further presses are ignored until it lands.
	toggling bool
	lastErr  error
	quitting bool
}

func newTalkModel(ctx context.Context, tx transmitter, who string) talkModel {
	return talkModel{ctx: ctx, tx: tx, who: who, transmitting: tx.Transmitting()}
}

func (m talkModel) Init() tea.Cmd {
	return nil
}

func (m talkModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case " ":
			if m.toggling {
				return m, nil
			}
			m.toggling = true
			return m, toggleCmd(m.ctx, m.tx)

		case "q", "Q", "esc", "ctrl+c", "ctrl+d":
			m.quitting = true
			return m, tea.Quit
		}

	case toggleMsg:
		m.toggling = false
		m.transmitting = msg.transmitting
		m.lastErr = msg.err
		if msg.err != nil {
			log.Debug("toggle failed", "error", msg.err)
		}
	}
	return m, nil
}

func (m talkModel) View() string {
	if m.quitting {
		return ""
	}

	label := standingBy("STANDING BY")
	if m.transmitting {
		label = onAir("ON AIR")
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %s\n", label, faint(m.who), faint("space: talk  q: quit"))
	if m.lastErr != nil {
		b.WriteString(faint("toggle failed: "+m.lastErr.Error()) + "\n")
	}
	return b.String()
}

// runInteractive toggles transmission on space until the user quits or ctx
// is cancelled, then closes any open transmission.
func runInteractive(ctx context.Context, p *peer) error {
	m := newTalkModel(ctx, p, fmt.Sprintf("%s@%s", p.session.LocalID, p.session.Room))
	if _, err := tea.NewProgram(m, tea.WithContext(ctx)).Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("interactive session failed: %w", err)
	}
	return stopTransmitting(p)
}
