package api

import (
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestSubmitJobRequest_Decode(t *testing.T) {
	body := `{
		"code": "def run_strategy(df):\n    return []",
		"language": "starlark",
		"dataset": "date,close\n2024-01-01,1\n",
		"asset_class": "fx",
		"timeout": "90s",
		"memory_mb": 256
	}`

	var req SubmitJobRequest
	if err := json.Unmarshal([]byte(body), &req); err != nil {
		t.Fatal(err)
	}
	if req.Language != "starlark" || req.AssetClass != "fx" {
		t.Errorf("decoded %+v", req)
	}
	if req.Timeout.Duration != 90*time.Second {
		t.Errorf("Timeout = %s, want 90s", req.Timeout)
	}
	if req.MemoryMB != 256 {
		t.Errorf("MemoryMB = %d, want 256", req.MemoryMB)
	}
}

func TestDuration_UnmarshalJSON(t *testing.T) {
	tests := []struct {
		input   string
		want    time.Duration
		wantErr bool
	}{
		{`"10s"`, 10 * time.Second, false},
		{`"500ms"`, 500 * time.Millisecond, false},
		{`"2m"`, 2 * time.Minute, false},
		{`"not-a-duration"`, 0, true},
		{`60`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			var d Duration
			err := json.Unmarshal([]byte(tt.input), &d)
			if (err != nil) != tt.wantErr {
				t.Fatalf("UnmarshalJSON(%s) error = %v, wantErr %v", tt.input, err, tt.wantErr)
			}
			if !tt.wantErr && d.Duration != tt.want {
				t.Errorf("UnmarshalJSON(%s) = %s, want %s", tt.input, d.Duration, tt.want)
			}
		})
	}
}

func TestDuration_MarshalJSON(t *testing.T) {
	b, err := json.Marshal(SubmitJobRequest{Timeout: Duration{Duration: 30 * time.Second}})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(b), `"timeout":"30s"`) {
		t.Errorf("marshaled %s", b)
	}
}

func TestErrorResponse_OmitsEmptyFindings(t *testing.T) {
	b, err := json.Marshal(ErrorResponse{Error: "dataset is required", Code: "INVALID_REQUEST", RequestID: "r1"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(b), "findings") {
		t.Errorf("findings present in %s", b)
	}

	b, _ = json.Marshal(ErrorResponse{Code: "SECURITY_BLOCKED", Findings: []SecurityFinding{{Pattern: "process_spawn", Severity: "critical", Line: 3}}})
	if !strings.Contains(string(b), `"line":3`) {
		t.Errorf("finding line missing in %s", b)
	}
}
