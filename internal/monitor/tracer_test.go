package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStage_RecordsDuration(t *testing.T) {
	m := NewMetrics()
	tr := NewTracer()

	_, stage := tr.StartStage(context.Background(), m, "validate")
	stage.End(nil)
	_, stage = tr.StartStage(context.Background(), m, "sandbox", AttrLanguage.String("python"))
	stage.End(errors.New("containerd unreachable"))

	if got := testutil.CollectAndCount(m.StageDuration); got != 2 {
		t.Errorf("stage series = %d, want 2", got)
	}
}

func TestStage_NilMetrics(t *testing.T) {
	_, stage := NewTracer().StartStage(context.Background(), nil, "metrics")
	if d := stage.End(nil); d < 0 {
		t.Errorf("elapsed = %s", d)
	}
}

func TestMetrics_RecordFinished(t *testing.T) {
	m := NewMetrics()
	m.RecordFinished("python", "failed", "execution_timeout")
	m.RecordFinished("python", "failed", "execution_timeout")
	m.RecordFinished("starlark", "completed", "")

	if got := testutil.ToFloat64(m.JobsFinished.WithLabelValues("python", "failed", "execution_timeout")); got != 2 {
		t.Errorf("failed python jobs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.JobsFinished.WithLabelValues("starlark", "completed", "")); got != 1 {
		t.Errorf("completed starlark jobs = %v, want 1", got)
	}
}
