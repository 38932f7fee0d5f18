package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	goruntime "runtime"

	"github.com/rs/zerolog/log"

	"strategy-sandbox/internal/config"
	"strategy-sandbox/internal/strategy"
)

// Router dispatches each request to the backend registered for its language.
type Router struct {
	backends map[strategy.Language]Backend
}

func NewRouter() *Router {
	return &Router{backends: make(map[strategy.Language]Backend)}
}

// Register binds lang to b, replacing any previous binding.
func (r *Router) Register(lang strategy.Language, b Backend) {
	r.backends[lang] = b
}

// Backend returns the backend serving lang, or nil.
func (r *Router) Backend(lang strategy.Language) Backend {
	return r.backends[lang]
}

// Languages lists the languages with a registered backend.
func (r *Router) Languages() []strategy.Language {
	langs := make([]strategy.Language, 0, len(r.backends))
	for _, l := range []strategy.Language{strategy.LanguagePython, strategy.LanguageStarlark} {
		if _, ok := r.backends[l]; ok {
			langs = append(langs, l)
		}
	}
	return langs
}

func (r *Router) Name() string { return "router" }

func (r *Router) Execute(ctx context.Context, req Request) (*Result, error) {
	if req.Language == "" {
		req.Language = strategy.LanguagePython
	}
	b, ok := r.backends[req.Language]
	if !ok {
		if _, err := strategy.ParseLanguage(string(req.Language)); err != nil {
			return nil, &ExecutionError{Op: "route", Err: fmt.Errorf("%w: %s", ErrUnsupportedLang, req.Language)}
		}
		return nil, &ExecutionError{Op: "route", Err: fmt.Errorf("%w: no backend for %s", ErrBackendUnavailable, req.Language)}
	}
	return b.Execute(ctx, req)
}

// Close closes every distinct backend once.
func (r *Router) Close() error {
	seen := make(map[Backend]bool)
	var errs []error
	for _, b := range r.backends {
		if seen[b] {
			continue
		}
		seen[b] = true
		if err := b.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s backend: %w", b.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// OptionsFromConfig maps the sandbox section of the config onto runner options.
func OptionsFromConfig(cfg config.SandboxConfig) Options {
	return Options{
		MaxConcurrent:  cfg.MaxConcurrent,
		DefaultTimeout: cfg.DefaultTimeout,
		MaxTimeout:     cfg.MaxTimeout,
		MaxOutputBytes: cfg.MaxOutputBytes,
		MaxLogBytes:    cfg.MaxLogBytes,
		MaxSteps:       cfg.MaxSteps,
		MaxRows:        cfg.MaxDatasetRows,
		DefaultLimits: ResourceLimits{
			CPUShares: cfg.DefaultLimits.CPUShares,
			MemoryMB:  cfg.DefaultLimits.MemoryMB,
			PidsLimit: cfg.DefaultLimits.PidsLimit,
			DiskMB:    cfg.DefaultLimits.DiskMB,
		},
		PythonImage: cfg.PythonImage,
		WorkerPath:  cfg.WorkerPath,
	}.withDefaults()
}

// NewBackend builds the router for the configured backends: containerd on
// Linux or Docker elsewhere for Python, a worker process for Starlark.
// Under "auto" an unavailable backend is logged and left unregistered so the
// other language still runs and /health reports degraded.
func NewBackend(ctx context.Context, cfg *config.Config) (*Router, error) {
	opts := OptionsFromConfig(cfg.Sandbox)
	router := NewRouter()

	py, err := newPythonBackend(ctx, cfg, opts)
	if err != nil {
		return nil, err
	}
	if py != nil {
		router.Register(strategy.LanguagePython, py)
	}

	star, err := newStarlarkBackend(cfg.Sandbox.StarlarkBackend, opts)
	if err != nil {
		_ = router.Close()
		return nil, err
	}
	if star != nil {
		router.Register(strategy.LanguageStarlark, star)
	}

	return router, nil
}

func newPythonBackend(ctx context.Context, cfg *config.Config, opts Options) (Backend, error) {
	preference := cfg.Sandbox.Backend
	if preference == "" {
		preference = "auto"
	}

	switch preference {
	case "none":
		log.Info().Msg("python backend disabled")
		return nil, nil
	case "containerd":
		return newContainerdBackend(ctx, cfg, opts)
	case "docker":
		return newDockerBackend(opts)
	case "auto":
		if goruntime.GOOS == "linux" {
			backend, err := newContainerdBackend(ctx, cfg, opts)
			if err == nil {
				log.Info().Msg("using containerd backend for python")
				return backend, nil
			}
			log.Warn().Err(err).Msg("containerd unavailable, trying Docker")
		}

		backend, err := newDockerBackend(opts)
		if err == nil {
			log.Info().Msg("using Docker backend for python")
			return backend, nil
		}

		log.Warn().Err(err).Msg("no container runtime available, python strategies will be rejected")
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown backend %q: must be auto, containerd, docker or none", preference)
	}
}

func newContainerdBackend(ctx context.Context, cfg *config.Config, opts Options) (Backend, error) {
	client, err := NewClient(ctx, cfg.Sandbox.ContainerdSocket, cfg.Sandbox.Namespace)
	if err != nil {
		return nil, err
	}

	runner, err := NewContainerdRunner(ctx, client, opts)
	if err != nil {
		_ = client.Close()
		return nil, err
	}

	cleaned, err := runner.CleanupOrphaned(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("failed to cleanup orphaned containers")
	} else if cleaned > 0 {
		log.Info().Int("count", cleaned).Msg("cleaned orphaned containers on startup")
	}

	return runner, nil
}

func newDockerBackend(opts Options) (Backend, error) {
	if _, err := exec.LookPath("docker"); err != nil {
		return nil, fmt.Errorf("%w: docker not found in PATH: %v", ErrBackendUnavailable, err)
	}

	if err := exec.Command("docker", "info").Run(); err != nil {
		return nil, fmt.Errorf("%w: docker daemon not reachable: %v", ErrBackendUnavailable, err)
	}

	return NewDockerRunner(opts), nil
}

func newStarlarkBackend(preference string, opts Options) (Backend, error) {
	switch preference {
	case "", "auto":
		if path, err := FindWorker(opts.WorkerPath); err == nil {
			log.Info().Str("worker", path).Msg("using worker processes for starlark")
			return NewProcessRunner(path, opts), nil
		}
		// The in-process runner has no memory ceiling, so it is never
		// picked implicitly.
		log.Warn().Str("worker", WorkerBinary).Msg("worker binary not found, starlark strategies will be rejected")
		return nil, nil
	case "process":
		path, err := FindWorker(opts.WorkerPath)
		if err != nil {
			return nil, err
		}
		return NewProcessRunner(path, opts), nil
	case "inprocess":
		log.Warn().Msg("evaluating starlark in-process without a memory ceiling")
		return NewInProcessRunner(opts), nil
	default:
		return nil, fmt.Errorf("unknown starlark backend %q: must be auto, process or inprocess", preference)
	}
}
