package seccomp

import (
	"encoding/json"
	"fmt"

	specs "github.com/opencontainers/runtime-spec/specs-go"
)

const (
	// CLONE_NEWNS|CLONE_NEWCGROUP|CLONE_NEWUTS|CLONE_NEWIPC|CLONE_NEWUSER|CLONE_NEWPID|CLONE_NEWNET
	cloneNamespaceFlags = 0x7E020000
	enosys              = 38
)

// interpreterSyscalls is what a CPython process with numpy/pandas needs to
// start, read its workspace, run worker threads and exit.
func interpreterSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		AllowSyscalls(
			"read", "write", "readv", "writev", "pread64", "pwrite64",
			"open", "openat", "close", "lseek",
			"stat", "fstat", "lstat", "newfstatat", "statx",
			"access", "faccessat", "faccessat2",
			"dup", "dup2", "dup3",
			"fcntl", "ioctl",
			"poll", "ppoll", "select", "pselect6",
			"pipe", "pipe2",
			"readlink", "readlinkat",
			"getdents64",
			"statfs", "fstatfs",
			"getcwd",
		).
		AllowSyscalls(
			"brk", "mmap", "munmap", "mprotect", "mremap",
			"madvise", "mincore",
		).
		AllowSyscalls(
			// execve is needed once for the interpreter itself.
			"execve",
			"exit", "exit_group",
			"set_tid_address",
			"set_robust_list", "get_robust_list",
			"rseq",
		).
		AllowSyscalls(
			"futex",
			"gettid",
			"tgkill",
			"rt_sigaction", "rt_sigprocmask", "rt_sigreturn",
			"sigaltstack",
			"sched_getaffinity", "sched_yield",
		).
		AllowSyscalls(
			"clock_gettime", "clock_getres",
			"gettimeofday",
			"nanosleep", "clock_nanosleep",
		).
		AllowSyscalls(
			"getpid", "getppid",
			"getuid", "geteuid",
			"getgid", "getegid",
			"uname",
			"sysinfo",
			"getrlimit", "prlimit64",
			"getrandom",
			"arch_prctl",
			"prctl",
			"umask",
			"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
			"eventfd2",
		).
		// Threads only: clone is allowed without namespace flags, and clone3,
		// whose flags live behind a pointer, reports ENOSYS so libc falls back.
		AllowSyscallWithArgs("clone", []SyscallArg{
			{Index: 0, Value: cloneNamespaceFlags, ValueTwo: 0, Op: specs.OpMaskedEqual},
		}).
		FailSyscalls(enosys, "clone3").
		AllowSyscalls(
			// Scratch files under the /tmp tmpfs.
			"unlink", "unlinkat",
			"mkdir", "mkdirat",
			"rmdir",
			"rename", "renameat", "renameat2",
			"ftruncate",
			"fsync", "fdatasync",
			"flock",
			"memfd_create",
		)
}

// deniedSyscalls lists calls a strategy never needs. Attacks on the kernel
// surface trap; ordinary denials return EPERM so the harness reports a clean
// Python exception.
func deniedSyscalls(b *ProfileBuilder) *ProfileBuilder {
	return b.
		BlockSyscalls(
			"socket", "socketpair", "connect", "bind", "listen",
			"accept", "accept4",
			"sendto", "recvfrom", "sendmsg", "recvmsg",
			"fork", "vfork", "execveat",
			"wait4", "waitid",
			"kill", "tkill",
		).
		TrapSyscalls(
			"ptrace",
			"process_vm_readv", "process_vm_writev",
			"keyctl",
			"add_key", "request_key",
			"bpf",
			"perf_event_open",
			"userfaultfd",
			"kexec_load", "kexec_file_load",
			"finit_module", "init_module", "delete_module",
		).
		BlockSyscalls(
			"mount", "umount2", "pivot_root",
			"reboot",
			"swapon", "swapoff",
			"sethostname", "setdomainname",
			"setns", "unshare",
			"acct",
			"settimeofday", "adjtimex", "clock_adjtime",
			"nfsservctl",
			"personality",
			"lookup_dcookie",
			"ioperm", "iopl",
			"chmod", "fchmod", "fchmodat",
			"symlink", "symlinkat",
			"link", "linkat",
		)
}

// DefaultProfile returns the deny-by-default profile applied to every
// strategy container. It grants no network or process-spawning syscalls.
func DefaultProfile() *specs.LinuxSeccomp {
	b := NewBuilder()
	b = interpreterSyscalls(b)
	b = deniedSyscalls(b)
	return b.Build()
}

// DockerProfileJSON renders DefaultProfile in the format accepted by
// `docker run --security-opt seccomp=<file>`.
func DockerProfileJSON() ([]byte, error) {
	data, err := json.MarshalIndent(DefaultProfile(), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling seccomp profile: %w", err)
	}
	return data, nil
}
