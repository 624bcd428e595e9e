package main

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/brensch/sixzero/trainer"
	tea "github.com/charmbracelet/bubbletea"
)

const recentEvents = 10

type tickMsg time.Time

type streamClosedMsg struct{}

type dashboard struct {
	events <-chan trainer.Event
	// moves counts stones placed in this process; nil when watching remotely.
	moves *atomic.Int64

	status    trainer.Status
	seen      bool
	closed    bool
	movesNow  int64
	startTime time.Time
	recent    []string
}

func newDashboard(events <-chan trainer.Event, moves *atomic.Int64) dashboard {
	return dashboard{events: events, moves: moves, startTime: time.Now()}
}

func tickCmd() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func waitForEvent(events <-chan trainer.Event) tea.Cmd {
	return func() tea.Msg {
		e, ok := <-events
		if !ok {
			return streamClosedMsg{}
		}
		return e
	}
}

func (d dashboard) Init() tea.Cmd {
	return tea.Batch(waitForEvent(d.events), tickCmd())
}

func (d dashboard) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "q" || msg.String() == "ctrl+c" {
			return d, tea.Quit
		}
	case tickMsg:
		if d.moves != nil {
			d.movesNow = d.moves.Load()
		}
		return d, tickCmd()
	case streamClosedMsg:
		d.closed = true
		return d, nil
	case trainer.Event:
		d.status = msg.Status
		d.seen = true
		if line := describe(msg); line != "" {
			d.recent = append([]string{line}, d.recent...)
			if len(d.recent) > recentEvents {
				d.recent = d.recent[:recentEvents]
			}
		}
		return d, waitForEvent(d.events)
	}
	return d, nil
}

func describe(e trainer.Event) string {
	at := e.Time.Format(time.TimeOnly)
	switch e.Kind {
	case trainer.EventGenerated:
		return fmt.Sprintf("%s  generated: %d games, %d buffered", at, e.Games, e.Buffered)
	case trainer.EventTrained:
		return fmt.Sprintf("%s  epoch %d: loss %.4f (value %.4f, policy %.4f)", at, e.Epoch, e.Loss.Total, e.Loss.Value, e.Loss.Policy)
	case trainer.EventCheckpoint:
		return fmt.Sprintf("%s  checkpoint %s", at, e.Checkpoint)
	}
	return ""
}

func (d dashboard) View() string {
	var sb strings.Builder
	elapsed := time.Since(d.startTime)

	if !d.seen {
		sb.WriteString("Waiting for the first event...\n")
	}
	fmt.Fprintf(&sb, "State:          %s\n", d.status.State)
	fmt.Fprintf(&sb, "Epoch:          %d\n", d.status.Epoch)
	fmt.Fprintf(&sb, "Games Played:   %d\n", d.status.Games)
	fmt.Fprintf(&sb, "Buffered Steps: %d\n", d.status.Buffered)
	fmt.Fprintf(&sb, "Last Loss:      %.4f\n", d.status.Loss.Total)
	if d.moves != nil {
		movesPerSec := 0.0
		if elapsed.Seconds() >= 1 {
			movesPerSec = float64(d.movesNow) / elapsed.Seconds()
		}
		fmt.Fprintf(&sb, "Total Moves:    %d\n", d.movesNow)
		fmt.Fprintf(&sb, "Moves/Sec:      %.2f\n", movesPerSec)
	}
	fmt.Fprintf(&sb, "Duration:       %s\n\n", elapsed.Round(time.Second))

	sb.WriteString("Recent Events:\n")
	for _, line := range d.recent {
		sb.WriteString(line + "\n")
	}
	if d.closed {
		sb.WriteString("\nEvent stream closed.\n")
	}
	sb.WriteString("\nPress q to quit.\n")
	return sb.String()
}
