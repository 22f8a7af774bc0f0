package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/rxclaims/internal/model"
	"github.com/sells-group/rxclaims/internal/monitoring"
	"github.com/sells-group/rxclaims/internal/replay"
	"github.com/sells-group/rxclaims/internal/resilience"
)

func TestFormatSummary(t *testing.T) {
	var buf bytes.Buffer
	formatSummary(&buf, &replay.Summary{
		Dispatched: 12500,
		Processed:  12500,
		ByStatus: map[model.ClaimStatus]int64{
			model.ClaimStatusApproved: 11000,
			model.ClaimStatusDenied:   1500,
		},
		WallTime:       90 * time.Second,
		SimulatedSpan:  time.Hour,
		EffectiveSpeed: 40,
		Throughput:     138.9,
	})

	out := buf.String()
	assert.Contains(t, out, "12,500")
	assert.Contains(t, out, "11,000")
	assert.Contains(t, out, "DENIED:")
	assert.Contains(t, out, "40.00x")
	assert.NotContains(t, out, "interrupted")
}

func TestFormatSummary_Stopped(t *testing.T) {
	var buf bytes.Buffer
	formatSummary(&buf, &replay.Summary{Stopped: true, Dispatched: 3, Processed: 3})
	assert.True(t, strings.HasPrefix(buf.String(), "Replay interrupted"))
}

func TestFormatStatus(t *testing.T) {
	var buf bytes.Buffer
	formatStatus(&buf, &monitoring.MetricsSnapshot{
		ClaimsTotal:    40,
		ClaimsApproved: 30,
		ClaimsDenied:   8,
		ClaimsError:    2,
		ErrorRate:      0.05,
		DenialRate:     8.0 / 38.0,
		DLQDepth:       4,
		LookbackHours:  24,
	})

	out := buf.String()
	assert.Contains(t, out, "last 24h")
	assert.Contains(t, out, "5.00%")
	assert.Contains(t, out, "21.05%")
	assert.Regexp(t, `DLQ depth:\s+4`, out)
}

func TestFormatDLQList(t *testing.T) {
	var buf bytes.Buffer
	formatDLQList(&buf, []resilience.DLQEntry{
		{
			ID:          "e1",
			ClaimNumber: "CLM1",
			Result:      model.AdjudicationResult{Status: model.ClaimStatusApproved},
			Error:       strings.Repeat("x", 80),
			ErrorType:   "transient",
			RetryCount:  1,
			MaxRetries:  3,
			NextRetryAt: time.Date(2024, 3, 15, 9, 0, 0, 0, time.UTC),
		},
	})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	assert.Len(t, lines, 2)
	assert.Contains(t, lines[0], "NEXT RETRY")
	assert.Contains(t, lines[1], "CLM1")
	assert.Contains(t, lines[1], "1/3")
	assert.Contains(t, lines[1], "2024-03-15T09:00:00Z")
	assert.Contains(t, lines[1], "...")
}
