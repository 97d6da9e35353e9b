package ui

import (
	"strings"
	"testing"

	"github.com/charmbracelet/lipgloss"
	"github.com/stretchr/testify/assert"

	recsync "github.com/mschirtzinger/recsync/internal/sync"
)

func TestRenderKeepsText(t *testing.T) {
	for _, fn := range []func(string) string{RenderAccent, RenderPass, RenderWarn, RenderFail, RenderMuted} {
		assert.Contains(t, fn("hello"), "hello")
	}
	for _, s := range []recsync.State{recsync.StateIdle, recsync.StateSyncing, recsync.StateSynced, recsync.StateError, recsync.StateOffline} {
		assert.Contains(t, RenderState(s), string(s))
	}
	assert.Contains(t, RenderSynced(true), "synced")
	assert.Contains(t, RenderSynced(false), "pending")
}

func TestTable_AlignsColumns(t *testing.T) {
	out := Table([]string{"ID", "TITLE"}, [][]string{
		{"rec-1", "Standup"},
		{"rec-long-id", "Retro"},
		{"short"},
	})

	lines := strings.Split(strings.TrimRight(out, "\n"), "\n")
	assert.Len(t, lines, 4)
	width := lipgloss.Width(lines[0])
	for _, line := range lines[1:] {
		assert.Equal(t, width, lipgloss.Width(line))
	}
	assert.Contains(t, lines[2], "rec-long-id")
}
