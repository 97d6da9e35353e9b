package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mschirtzinger/recsync/internal/record"
)

func TestResolve(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := base.Add(time.Minute)
	latest := base.Add(2 * time.Minute)

	md := func(ts time.Time, hash string) record.Metadata {
		return record.Metadata{ID: "rec-1", LastModified: ts, ContentHash: hash}
	}

	tests := []struct {
		name   string
		local  record.Metadata
		remote record.Metadata
		base   time.Time
		want   Outcome
	}{
		{"equal timestamps", md(later, "a"), md(later, "b"), base, InSync},
		{"equal hashes", md(later, "h"), md(latest, "h"), base, InSync},
		{"empty hashes do not match", md(later, ""), md(latest, ""), base, NeedsManual},
		{"only local modified", md(later, "a"), md(base, "b"), base, KeepLocal},
		{"only remote modified", md(base, "a"), md(later, "b"), base, KeepCloud},
		{"both modified", md(later, "a"), md(latest, "b"), base, NeedsManual},
		{"never synced", md(later, "a"), md(latest, "b"), time.Time{}, NeedsManual},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Resolve(tt.local, tt.remote, tt.base))
		})
	}
}

func TestApply(t *testing.T) {
	assert.Equal(t, KeepLocal, Apply(record.KeepLocal))
	assert.Equal(t, KeepCloud, Apply(record.KeepCloud))
	assert.Equal(t, KeepCloud, Apply(record.KeepBoth))
	assert.Equal(t, NeedsManual, Apply(record.DecisionNone))
}

func TestOutcomeString(t *testing.T) {
	assert.Equal(t, "in-sync", InSync.String())
	assert.Equal(t, "needs-manual", NeedsManual.String())
	assert.Equal(t, "unknown", Outcome(42).String())
}
