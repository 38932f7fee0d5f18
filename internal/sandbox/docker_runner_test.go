package sandbox

import (
	"strings"
	"testing"
	"time"

	"strategy-sandbox/internal/runtime"
	"strategy-sandbox/internal/strategy"
)

// newTestRunner builds a DockerRunner suitable for unit tests.
// It bypasses NewDockerRunner to avoid Docker host resolution and the cleanup goroutine.
func newTestRunner() *DockerRunner {
	opts := DefaultOptions()
	return &DockerRunner{
		runtimes: runtime.NewRegistry(opts.PythonImage),
		opts:     opts,
		sem:      make(chan struct{}, 10),
	}
}

// argsContain returns true if the args slice contains needle.
func argsContain(args []string, needle string) bool {
	for _, a := range args {
		if a == needle {
			return true
		}
	}
	return false
}

// argsContainPrefix returns true if any arg starts with the given prefix.
func argsContainPrefix(args []string, prefix string) bool {
	for _, a := range args {
		if strings.HasPrefix(a, prefix) {
			return true
		}
	}
	return false
}

func TestBuildDockerArgs_Hardening(t *testing.T) {
	d := newTestRunner()
	rt, _ := d.runtimes.Get(strategy.LanguagePython)

	args := d.buildDockerArgs("exec-1", rt, "/tmp/sandbox-exec-1", "/tmp/sandbox-exec-1.seccomp.json", Request{JobID: "job-1"})

	for _, want := range []string{
		"--rm",
		"--read-only",
		"--network",
		"none",
		"--cap-drop",
		"ALL",
		"no-new-privileges",
		"seccomp=/tmp/sandbox-exec-1.seccomp.json",
		"/tmp/sandbox-exec-1:/workspace:ro",
		"65534:65534",
		"strategy-exec-1",
		"strategy-sandbox.exec-id=exec-1",
		"strategy-sandbox.job-id=job-1",
	} {
		if !argsContain(args, want) {
			t.Errorf("args missing %q: %v", want, args)
		}
	}
	if !argsContainPrefix(args, "/tmp:rw,nosuid,nodev,noexec") {
		t.Error("tmpfs must be mounted noexec")
	}
	if !argsContain(args, "512m") {
		t.Error("default memory limit not applied")
	}
}

func TestBuildDockerArgs_ImageAndCommand(t *testing.T) {
	d := newTestRunner()
	rt, _ := d.runtimes.Get(strategy.LanguagePython)

	args := d.buildDockerArgs("exec-2", rt, "/tmp/ws", "/tmp/ws.seccomp.json", Request{
		Limits: ResourceLimits{MemoryMB: 128},
	})

	imageIdx := -1
	for i, a := range args {
		if a == runtime.DefaultPythonImage {
			imageIdx = i
		}
	}
	if imageIdx < 0 {
		t.Fatalf("image %s not in args: %v", runtime.DefaultPythonImage, args)
	}
	cmd := args[imageIdx+1:]
	want := rt.Command("/workspace/strategy.py", "/workspace/dataset.csv")
	if strings.Join(cmd, " ") != strings.Join(want, " ") {
		t.Errorf("command = %v, want %v", cmd, want)
	}
	if !argsContain(args, "128m") {
		t.Errorf("memory override not applied: %v", args)
	}
	if !argsContainPrefix(args, "STRATEGY_MAX_OUTPUT_BYTES=") {
		t.Error("output bound not passed to the harness")
	}
	if argsContainPrefix(args, "strategy-sandbox.job-id=") {
		t.Error("job label set without a job id")
	}
}

func TestPrepare(t *testing.T) {
	opts := DefaultOptions()
	reg := runtime.NewRegistry(opts.PythonImage)
	data := []byte("date,close\n2024-01-01,1\n")

	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"defaults", Request{Code: "def run_strategy(df): return []", Dataset: data}, false},
		{"starlark", Request{Code: "x", Language: strategy.LanguageStarlark, Dataset: data}, false},
		{"unknown language", Request{Code: "x", Language: "ruby", Dataset: data}, true},
		{"empty code", Request{Dataset: data}, true},
		{"empty dataset", Request{Code: "x"}, true},
		{"timeout over max", Request{Code: "x", Dataset: data, Timeout: time.Hour}, true},
		{"negative timeout", Request{Code: "x", Dataset: data, Timeout: -time.Second}, true},
		{"memory over max", Request{Code: "x", Dataset: data, Limits: ResourceLimits{MemoryMB: 1 << 20}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := tt.req
			err := prepare(&req, reg, opts)
			if (err != nil) != tt.wantErr {
				t.Fatalf("prepare() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil {
				if !IsInvalidRequest(err) {
					t.Errorf("error %v is not an invalid-request error", err)
				}
				return
			}
			if req.Timeout != opts.DefaultTimeout {
				t.Errorf("Timeout = %s, want default %s", req.Timeout, opts.DefaultTimeout)
			}
			if req.Limits != opts.DefaultLimits {
				t.Errorf("Limits = %+v, want defaults", req.Limits)
			}
			if req.Language == "" {
				t.Error("language not defaulted")
			}
		})
	}
}

func envelopeOutput(t *testing.T, env strategy.Envelope, noise string) *cappedBuffer {
	t.Helper()
	buf := newCappedBuffer(1 << 20)
	buf.Write([]byte(noise))
	if err := env.Encode(buf); err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestResult_Envelope(t *testing.T) {
	e := newExecution("test", Request{Code: "x"})
	stdout := envelopeOutput(t, strategy.Succeeded([]byte(`[{"pnl":1}]`), "hello\n"), "stray print\n")

	res := e.result(stdout, newCappedBuffer(1024), 0, DefaultLimits())
	if !res.Success {
		t.Fatalf("Success = false, error %q", res.Error)
	}
	if string(res.Trades) != `[{"pnl":1}]` {
		t.Errorf("Trades = %s", res.Trades)
	}
	if res.Logs != "hello\n" {
		t.Errorf("Logs = %q", res.Logs)
	}
	if res.CodeHash == "" || res.ID == "" {
		t.Error("identity not populated")
	}
}

func TestResult_FailureEnvelope(t *testing.T) {
	e := newExecution("test", Request{Code: "x"})
	stdout := envelopeOutput(t, strategy.Failed(strategy.FailureEntryPointMissing, "run_strategy is not defined"), "")

	res := e.result(stdout, newCappedBuffer(1024), 1, DefaultLimits())
	if res.Success {
		t.Fatal("Success = true")
	}
	if res.Failure != strategy.FailureEntryPointMissing {
		t.Errorf("Failure = %q, want %q", res.Failure, strategy.FailureEntryPointMissing)
	}
}

func TestResult_WithoutEnvelope(t *testing.T) {
	tests := []struct {
		name     string
		stdout   string
		stderr   string
		exitCode int
		limit    int
		want     strategy.FailureKind
		event    string
	}{
		{"oom killed", "", "", 137, 1024, strategy.FailureResourceExceeded, "oom_kill"},
		{"oom message", "", "MemoryError: out of memory", 1, 1024, strategy.FailureResourceExceeded, "oom_kill"},
		{"flooded stdout", strings.Repeat("x", 100), "", 0, 10, strategy.FailureResourceExceeded, ""},
		{"crash", "", "Segmentation fault", 139, 1024, strategy.FailureExecution, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newExecution("test", Request{Code: "x"})
			stdout := newCappedBuffer(tt.limit)
			stdout.Write([]byte(tt.stdout))
			stderr := newCappedBuffer(1024)
			stderr.Write([]byte(tt.stderr))

			res := e.result(stdout, stderr, tt.exitCode, DefaultLimits())
			if res.Success {
				t.Fatal("Success = true")
			}
			if res.Failure != tt.want {
				t.Errorf("Failure = %q, want %q (error %q)", res.Failure, tt.want, res.Error)
			}
			if tt.event != "" && (len(res.SecurityEvents) == 0 || res.SecurityEvents[0].Type != tt.event) {
				t.Errorf("SecurityEvents = %+v, want %s", res.SecurityEvents, tt.event)
			}
		})
	}
}

func TestResult_CrashIncludesStderrTail(t *testing.T) {
	e := newExecution("test", Request{Code: "x"})
	stderr := newCappedBuffer(1024)
	stderr.Write([]byte("fatal: boom"))

	res := e.result(newCappedBuffer(1024), stderr, 2, DefaultLimits())
	if !strings.Contains(res.Error, "fatal: boom") {
		t.Errorf("Error = %q, want stderr tail", res.Error)
	}
}

func TestTimeoutResult(t *testing.T) {
	e := newExecution("test", Request{Code: "x"})
	res := e.timeoutResult(5*time.Second, newCappedBuffer(16), newCappedBuffer(16))
	if res.Success || res.Failure != strategy.FailureTimeout {
		t.Errorf("got success=%v failure=%q, want %q", res.Success, res.Failure, strategy.FailureTimeout)
	}
	if res.ExitCode != -1 {
		t.Errorf("ExitCode = %d, want -1", res.ExitCode)
	}
}

func TestCappedBuffer(t *testing.T) {
	b := newCappedBuffer(5)
	n, err := b.Write([]byte("abc"))
	if n != 3 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	n, err = b.Write([]byte("defgh"))
	if n != 5 || err != nil {
		t.Fatalf("overflowing Write = %d, %v; must report full length", n, err)
	}
	if b.String() != "abcde" {
		t.Errorf("String() = %q, want abcde", b.String())
	}
	if !b.Truncated() {
		t.Error("Truncated() = false after overflow")
	}
}

func TestTail(t *testing.T) {
	if got := tail("  "); got != "" {
		t.Errorf("tail(blank) = %q", got)
	}
	long := strings.Repeat("a", 5000) + "END"
	got := tail(long)
	if !strings.HasPrefix(got, ": ...") || !strings.HasSuffix(got, "END") {
		t.Errorf("tail(long) kept the wrong end: %q...", got[:10])
	}
}
