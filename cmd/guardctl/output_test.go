package main

import (
	"bytes"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"nameguard-service/internal/events"
	"nameguard-service/internal/ledger"
	"nameguard-service/internal/models"
)

func init() {
	color.NoColor = true
}

var now = time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

func binding(key, name string, trust ledger.TrustLevel) *ledger.Binding {
	b := ledger.NewBinding(key, name, models.EditionJava, models.Fingerprint{CreatedAt: now.Add(-72 * time.Hour)}, now.Add(-72*time.Hour))
	b.Trust = trust
	b.LastSeen = now.Add(-90 * time.Minute)
	b.TotalPlaytime = 42 * time.Minute
	return b
}

func TestFormatAge(t *testing.T) {
	tests := []struct {
		name string
		ago  time.Duration
		want string
	}{
		{"just now", 20 * time.Second, "just now"},
		{"minutes", 5 * time.Minute, "5 minutes ago"},
		{"hours", 3 * time.Hour, "3 hours ago"},
		{"one day", 30 * time.Hour, "1 day ago"},
		{"days", 96 * time.Hour, "4 days ago"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Contains(t, formatAge(now.Add(-tt.ago), now), "("+tt.want+")")
		})
	}
}

func TestWriteBinding(t *testing.T) {
	var buf bytes.Buffer
	writeBinding(&buf, binding("steve", "Steve", ledger.TrustLocked), now)

	out := buf.String()
	assert.Contains(t, out, "Steve\n")
	assert.Contains(t, out, "Key:            steve")
	assert.Contains(t, out, "LOCKED")
	assert.Contains(t, out, "1 hours ago")
	assert.Contains(t, out, "42m0s")
}

func TestWriteExport(t *testing.T) {
	var buf bytes.Buffer
	bindings := []*ledger.Binding{
		binding("zed", "Zed", ledger.TrustLow),
		binding("alex", "Alex", ledger.TrustMedium),
	}
	require.NoError(t, writeExport(&buf, bindings, now))

	var doc exportDocument
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	require.Len(t, doc.Bindings, 2)
	assert.Equal(t, "alex", doc.Bindings[0].Key)
	assert.Equal(t, "MEDIUM", doc.Bindings[0].Trust)
	assert.Equal(t, 1, doc.Bindings[0].Fingerprints)
	assert.True(t, now.Equal(doc.ExportedAt))
	assert.NotContains(t, buf.String(), "subnet")
}

func TestWriteEvent(t *testing.T) {
	var buf bytes.Buffer
	ev := events.NewDecisionEvent("steve", "Steve", models.EditionJava, "93.184.216.0/24",
		models.Allowed{TrustBasis: models.BasisSimilarity, Similarity: 87.5, Provider: "ipapi"}, now)
	writeEvent(&buf, ev)

	out := buf.String()
	assert.Contains(t, out, "2024-06-10T12:00:00Z steve")
	assert.Contains(t, out, "allowed")
	assert.Contains(t, out, "similarity")
	assert.Contains(t, out, "score=87.5")
	assert.Contains(t, out, "geo=ipapi")
	assert.Contains(t, out, "ip=93.184.216.0/24")
}

func TestExactArgs(t *testing.T) {
	check := exactArgs(1, "check <name>")
	assert.NoError(t, check(checkCmd, []string{"steve"}))
	assert.EqualError(t, check(checkCmd, nil), "usage: guardctl check <name>")
}

func TestFlaggedRejectsAllowedOutcome(t *testing.T) {
	flaggedOutcome = string(models.OutcomeAllowed)
	t.Cleanup(func() { flaggedOutcome = string(models.OutcomeDenied) })

	err := flaggedCmd.RunE(flaggedCmd, nil)
	assert.ErrorContains(t, err, "--outcome must be denied or needs_challenge")
}
