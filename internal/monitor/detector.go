package monitor

import (
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"
)

// EscapeDetector flags strategy code and logs that try to leave the
// sandbox. Matches are advisory unless the caller blocks on critical ones;
// isolation is enforced by the backends.
type EscapeDetector struct {
	patterns []DetectionPattern
}

// DetectionPattern defines a suspicious pattern to match.
type DetectionPattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	Severity    Severity
}

// Severity levels for detected threats.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Detection represents a detected suspicious pattern.
type Detection struct {
	Pattern  string `json:"pattern"`
	Severity string `json:"severity"`
	Detail   string `json:"detail"`
	Line     int    `json:"line,omitempty"`
}

// NewEscapeDetector creates a detector with default patterns.
func NewEscapeDetector() *EscapeDetector {
	return &EscapeDetector{
		patterns: defaultPatterns(),
	}
}

// AnalyzeCode checks submitted code for suspicious patterns before it is queued.
func (d *EscapeDetector) AnalyzeCode(code string) []Detection {
	var detections []Detection

	lines := strings.Split(code, "\n")
	for i, line := range lines {
		for _, p := range d.patterns {
			if p.Regex.MatchString(line) {
				det := Detection{
					Pattern:  p.Name,
					Severity: p.Severity.String(),
					Detail:   p.Description,
					Line:     i + 1,
				}
				detections = append(detections, det)

				log.Warn().
					Str("pattern", p.Name).
					Str("severity", p.Severity.String()).
					Int("line", i+1).
					Msg("escape attempt detected in code")
			}
		}
	}

	return detections
}

// AnalyzeOutput checks strategy logs for signs of a successful escape.
func (d *EscapeDetector) AnalyzeOutput(output string) []Detection {
	var detections []Detection

	outputPatterns := []struct {
		name   string
		substr string
		sev    Severity
	}{
		{"kernel_leak", "Linux version", SeverityHigh},
		{"root_access", "root:x:0:0", SeverityCritical},
		{"docker_socket", "docker.sock", SeverityCritical},
		{"containerd_socket", "containerd.sock", SeverityCritical},
	}

	for _, p := range outputPatterns {
		if strings.Contains(output, p.substr) {
			detections = append(detections, Detection{
				Pattern:  p.name,
				Severity: p.sev.String(),
				Detail:   "suspicious content in output: " + p.name,
			})
		}
	}

	return detections
}

func defaultPatterns() []DetectionPattern {
	return []DetectionPattern{
		{
			Name:        "process_spawn",
			Description: "Spawning host processes from a strategy",
			Regex:       regexp.MustCompile(`\bsubprocess\b|os\.(system|popen|exec[lv]p?e?|spawn[lv]p?e?|fork)\s*\(|\bpty\.spawn`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "network_access",
			Description: "Opening network connections from a strategy",
			Regex:       regexp.MustCompile(`(?m)^\s*(import|from)\s+(socket|urllib|http\.client|requests|httpx|aiohttp|ftplib|smtplib|telnetlib)\b`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "native_code",
			Description: "Loading native code into the interpreter",
			Regex:       regexp.MustCompile(`\b(ctypes|cffi)\b|\bimport\s+_posixsubprocess`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "dynamic_import",
			Description: "Obfuscated imports or code evaluation",
			Regex:       regexp.MustCompile(`__import__\s*\(|\bimportlib\b|\b(eval|exec|compile)\s*\(\s*(base64|codecs|bytes\.fromhex|zlib)`),
			Severity:    SeverityMedium,
		},
		{
			Name:        "introspection_escape",
			Description: "Walking interpreter internals to reach restricted objects",
			Regex:       regexp.MustCompile(`__subclasses__|__globals__|__builtins__|__code__|sys\._getframe|gc\.get_objects`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "proc_self_access",
			Description: "Accessing /proc/self for process info",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status|environ)`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "container_breakout",
			Description: "Attempting container breakout via cgroup",
			Regex:       regexp.MustCompile(`/sys/fs/cgroup|notify_on_release|release_agent`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "host_mount_access",
			Description: "Attempting to access host mounts",
			Regex:       regexp.MustCompile(`/var/run/docker|/var/run/containerd|/run/containerd`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "sensitive_file",
			Description: "Reading host credential or configuration files",
			Regex:       regexp.MustCompile(`/etc/(passwd|shadow|hosts|resolv\.conf)|\.ssh/|\.aws/credentials`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "metadata_service",
			Description: "Attempting to reach cloud metadata service",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			Severity:    SeverityHigh,
		},
		{
			Name:        "ptrace_attempt",
			Description: "Attempting to use ptrace for debugging/injection",
			Regex:       regexp.MustCompile(`(?i)(ptrace|process_vm_readv|process_vm_writev|PTRACE_ATTACH)`),
			Severity:    SeverityCritical,
		},
		{
			Name:        "crypto_miner",
			Description: "Potential cryptocurrency mining",
			Regex:       regexp.MustCompile(`(?i)(stratum\+tcp|xmrig|minerd|cryptonight)`),
			Severity:    SeverityMedium,
		},
	}
}

// HasCritical reports whether any detection is critical.
func HasCritical(dets []Detection) bool {
	for _, d := range dets {
		if d.Severity == SeverityCritical.String() {
			return true
		}
	}
	return false
}
