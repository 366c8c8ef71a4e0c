package bootstrap

import (
	"fmt"
	"log/slog"

	"github.com/target/taskqueue/config"
	"github.com/target/taskqueue/internal/adapters/codex"
	"github.com/target/taskqueue/internal/adapters/jobrunner"
	"github.com/target/taskqueue/internal/core"
)

// HandlerDeps groups what job handlers need from the process.
type HandlerDeps struct {
	Codex  config.CodexConfig
	Blobs  core.BlobStore
	Logger *slog.Logger
}

// BuildRegistry registers every enabled job handler.
func BuildRegistry(deps HandlerDeps) (*jobrunner.Registry, error) {
	reg := jobrunner.NewRegistry()

	if deps.Codex.Enabled {
		opts := codex.HandlerOptions{
			Blobs:      deps.Blobs,
			Binary:     deps.Codex.Binary,
			Args:       deps.Codex.Args,
			WorkDir:    deps.Codex.WorkDir,
			Timeout:    deps.Codex.Timeout,
			PresignTTL: deps.Codex.PresignTTL,
			Logger:     deps.Logger,
		}
		// Zero in configuration means no deadline; the handler reads zero as its default.
		if opts.Timeout == 0 {
			opts.Timeout = -1
		}
		if p, ok := deps.Blobs.(core.BlobPresigner); ok {
			opts.Presigner = p
		}
		if err := reg.Register(codex.JobType, codex.NewHandler(opts)); err != nil {
			return nil, fmt.Errorf("register %s: %w", codex.JobType, err)
		}
	}

	return reg, nil
}
