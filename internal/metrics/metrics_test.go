package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordTurn(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTurn("user", "ok", 1.2)
	m.RecordTurn("user", "ok", 0.8)
	m.RecordTurn("heartbeat", "error", 0.1)

	expected := `
		# HELP loom_turns_total Total agent turns by source and status
		# TYPE loom_turns_total counter
		loom_turns_total{source="heartbeat",status="error"} 1
		loom_turns_total{source="user",status="ok"} 2
	`
	if err := testutil.CollectAndCompare(m.TurnCounter, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected turn counter state: %v", err)
	}
	if count := testutil.CollectAndCount(m.TurnDuration); count != 2 {
		t.Errorf("got %d duration series, want 2", count)
	}
}

func TestRecordTokensSkipsZero(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordTokens("anthropic", "claude-sonnet-4-20250514", 1200, 0)

	expected := `
		# HELP loom_tokens_total Model tokens consumed by provider, model, and direction
		# TYPE loom_tokens_total counter
		loom_tokens_total{direction="input",model="claude-sonnet-4-20250514",provider="anthropic"} 1200
	`
	if err := testutil.CollectAndCompare(m.TokensUsed, strings.NewReader(expected)); err != nil {
		t.Errorf("unexpected token counter state: %v", err)
	}
}

func TestRecordOutcomes(t *testing.T) {
	m := NewMetrics(prometheus.NewRegistry())

	m.RecordRotation("anthropic", "rate-limit")
	m.RecordCompaction("pre-turn", "ok")
	m.RecordCronRun("ok")
	m.RecordCronRun("skipped-in-flight")
	m.RecordHeartbeat("ok-token")
	m.RecordSubagent("timed-out")
	m.ActiveSubagents.Inc()

	if got := testutil.ToFloat64(m.CredentialRotations.WithLabelValues("anthropic", "rate-limit")); got != 1 {
		t.Errorf("rotations = %v", got)
	}
	if got := testutil.ToFloat64(m.CronRuns.WithLabelValues("skipped-in-flight")); got != 1 {
		t.Errorf("cron skips = %v", got)
	}
	if got := testutil.ToFloat64(m.ActiveSubagents); got != 1 {
		t.Errorf("active subagents = %v", got)
	}
}

func TestHandlerServesRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.RecordHeartbeat("sent")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != 200 {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	if !strings.Contains(string(body), "loom_heartbeat_ticks_total") {
		t.Error("scrape output missing heartbeat counter")
	}
}
