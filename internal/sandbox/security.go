package sandbox

import (
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"strategy-sandbox/pkg/seccomp"
)

const (
	nobodyUID = 65534

	// strategyOOMScoreAdj makes the kernel pick a strategy process before
	// anything on the host when memory runs out.
	strategyOOMScoreAdj = 1000
)

// SecurityProfile is the OCI hardening applied to every strategy container.
// Strategies never need capabilities, so the profile carries none.
type SecurityProfile struct {
	Seccomp       *specs.LinuxSeccomp
	Namespaces    []specs.LinuxNamespace
	MaskedPaths   []string
	ReadonlyPaths []string
	Hostname      string
}

// StrategyProfile isolates the container in fresh namespaces, including an
// empty network namespace. The user namespace is left to the runtime since
// the process already runs as nobody without capabilities.
func StrategyProfile() SecurityProfile {
	return SecurityProfile{
		Seccomp: seccomp.DefaultProfile(),
		Namespaces: []specs.LinuxNamespace{
			{Type: specs.PIDNamespace},
			{Type: specs.NetworkNamespace},
			{Type: specs.MountNamespace},
			{Type: specs.UTSNamespace},
			{Type: specs.IPCNamespace},
			{Type: specs.CgroupNamespace},
		},
		MaskedPaths: []string{
			"/proc/acpi",
			"/proc/kcore",
			"/proc/keys",
			"/proc/kmsg",
			"/proc/latency_stats",
			"/proc/timer_list",
			"/proc/sched_debug",
			"/proc/scsi",
			"/sys/firmware",
			"/sys/fs/cgroup",
			"/sys/devices/virtual/powercap",
		},
		ReadonlyPaths: []string{
			"/proc/bus",
			"/proc/fs",
			"/proc/irq",
			"/proc/sys",
			"/proc/sysrq-trigger",
		},
		Hostname: "strategy",
	}
}

// Apply hardens spec in place: seccomp, no capabilities, no privilege
// escalation, read-only root, unprivileged user.
func (p SecurityProfile) Apply(spec *specs.Spec) {
	if spec.Linux == nil {
		spec.Linux = &specs.Linux{}
	}
	if spec.Process == nil {
		spec.Process = &specs.Process{}
	}

	none := []string{}
	spec.Process.Capabilities = &specs.LinuxCapabilities{
		Bounding:    none,
		Effective:   none,
		Inheritable: none,
		Permitted:   none,
		Ambient:     none,
	}
	spec.Process.NoNewPrivileges = true
	spec.Process.User = specs.User{UID: nobodyUID, GID: nobodyUID}
	oomAdj := strategyOOMScoreAdj
	spec.Process.OOMScoreAdj = &oomAdj

	spec.Linux.Seccomp = p.Seccomp
	spec.Linux.Namespaces = p.Namespaces
	spec.Linux.MaskedPaths = p.MaskedPaths
	spec.Linux.ReadonlyPaths = p.ReadonlyPaths

	if p.Hostname != "" {
		spec.Hostname = p.Hostname
	}
	if spec.Root != nil {
		spec.Root.Readonly = true
	}
}

// strategyEnv is the complete environment of a strategy process. Nothing
// from the host leaks in.
func strategyEnv(opts Options) []string {
	return []string{
		"PATH=/usr/local/sbin:/usr/local/bin:/usr/sbin:/usr/bin:/sbin:/bin",
		"HOME=/tmp",
		"LANG=C.UTF-8",
		"MPLCONFIGDIR=/tmp",
		"OPENBLAS_NUM_THREADS=1",
		"PYTHONDONTWRITEBYTECODE=1",
		fmt.Sprintf("STRATEGY_MAX_OUTPUT_BYTES=%d", opts.MaxOutputBytes),
		fmt.Sprintf("STRATEGY_MAX_LOG_BYTES=%d", opts.MaxLogBytes),
	}
}

// Labels identify strategy containers so orphans from a crashed server can
// be found without relying on names.
const (
	labelExecID = "strategy-sandbox.exec-id"
	labelJobID  = "strategy-sandbox.job-id"
)

func containerName(execID string) string {
	return "strategy-" + execID
}

func containerLabels(execID, jobID string) map[string]string {
	labels := map[string]string{labelExecID: execID}
	if jobID != "" {
		labels[labelJobID] = jobID
	}
	return labels
}
