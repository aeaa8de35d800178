package main

import (
	"fmt"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/fenwick-labs/taskcrawl/engine"
	"github.com/fenwick-labs/taskcrawl/store"
)

// snapshotMsg carries one engine.Snapshot into the Bubble Tea update loop.
type snapshotMsg engine.Snapshot

// closedMsg signals the snapshot channel was closed.
type closedMsg struct{}

func waitForSnapshot(ch <-chan engine.Snapshot) tea.Cmd {
	return func() tea.Msg {
		snap, ok := <-ch
		if !ok {
			return closedMsg{}
		}
		return snapshotMsg(snap)
	}
}

// crawlModel is the Bubble Tea model rendering a live engine.Snapshot for
// one task.
type crawlModel struct {
	taskId        store.TaskId
	snapshots     <-chan engine.Snapshot
	spinner       spinner.Model
	lastSnapshot  engine.Snapshot
	quitting      bool
	quitRequested bool
}

func newModel(taskId store.TaskId, snapshots <-chan engine.Snapshot) crawlModel {
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	spin.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))
	return crawlModel{
		taskId:    taskId,
		snapshots: snapshots,
		spinner:   spin,
	}
}

func (m crawlModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, waitForSnapshot(m.snapshots))
}

func (m crawlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			m.quitRequested = true
			return m, tea.Quit
		}

	case snapshotMsg:
		m.lastSnapshot = engine.Snapshot(msg)
		if isTerminal(m.lastSnapshot.Status) {
			m.quitting = true
			return m, tea.Quit
		}
		return m, waitForSnapshot(m.snapshots)

	case closedMsg:
		m.quitting = true
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	return m, nil
}

func isTerminal(status store.TaskStatus) bool {
	switch status {
	case store.TaskCompleted, store.TaskStopped, store.TaskFailed:
		return true
	default:
		return false
	}
}

func (m crawlModel) View() string {
	if m.quitting {
		return renderSummary(m.lastSnapshot)
	}
	snap := m.lastSnapshot
	return fmt.Sprintf("%s Task %d: %s  progress %.1f%%  %d/%d urls\n%s\n\n%s",
		m.spinner.View(), m.taskId, snap.Status, snap.Progress, snap.Processed, snap.TotalUrls,
		dimStyle.Render(fmt.Sprintf(
			"completed=%d failed=%d duplicate=%d cross_domain=%d depth=%d robots=%d queue=%d",
			snap.CompletedUrls, snap.FailedUrls, snap.Duplicate,
			snap.CrossDomainBlocked, snap.DepthBlocked, snap.RobotsBlocked, snap.QueueSize)),
		renderThreads(snap.Threads))
}
