// Package codex runs the codex CLI inside a throwaway workspace and publishes what it produced.
package codex

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/target/taskqueue/internal/core"
	"github.com/target/taskqueue/internal/domain/model"
)

// JobType is the tag this handler is registered under.
const JobType = "codex-run"

const (
	// DefaultBinary is the executable looked up on PATH.
	DefaultBinary = "codex"
	// DefaultTimeout is the hard deadline for one codex run.
	DefaultTimeout = 30 * time.Minute
	// DefaultPresignTTL is how long a generated archive download link stays valid.
	DefaultPresignTTL = time.Hour
)

// DefaultArgs run codex non-interactively with automatic approvals.
var DefaultArgs = []string{"--full-auto", "--quiet"}

// Payload keys written by the handler. Caller correlation fields never override them.
const (
	keyAssistantMsg    = "assistant_msg"
	keyGeneratedZip    = "generated_zip"
	keyGeneratedZipURL = "generated_zip_url"
)

// HandlerOptions configures a Handler.
type HandlerOptions struct {
	// Blobs stores input bundles and generated archives.
	Blobs core.BlobStore
	// Presigner is optional; when set, results carry a download URL for the archive.
	Presigner  core.BlobPresigner
	Runner     CommandRunner
	Binary     string
	Args       []string
	WorkDir    string
	Timeout    time.Duration
	PresignTTL time.Duration
	Logger     *slog.Logger
}

// Handler implements the codex-run job type.
type Handler struct {
	blobs      core.BlobStore
	presigner  core.BlobPresigner
	runner     CommandRunner
	binary     string
	args       []string
	workDir    string
	timeout    time.Duration
	presignTTL time.Duration
	logger     *slog.Logger
}

// NewHandler constructs a Handler, applying defaults for unset options.
// A negative Timeout disables the deadline.
func NewHandler(opts HandlerOptions) *Handler {
	h := &Handler{
		blobs:      opts.Blobs,
		presigner:  opts.Presigner,
		runner:     opts.Runner,
		binary:     strings.TrimSpace(opts.Binary),
		args:       opts.Args,
		workDir:    opts.WorkDir,
		timeout:    opts.Timeout,
		presignTTL: opts.PresignTTL,
		logger:     opts.Logger,
	}
	if h.runner == nil {
		h.runner = ExecRunner{}
	}
	if h.binary == "" {
		h.binary = DefaultBinary
	}
	if h.args == nil {
		h.args = DefaultArgs
	}
	switch {
	case h.timeout == 0:
		h.timeout = DefaultTimeout
	case h.timeout < 0:
		h.timeout = 0
	}
	if h.presignTTL <= 0 {
		h.presignTTL = DefaultPresignTTL
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	h.logger = h.logger.With("component", "codex_handler")
	return h
}

// ArtifactKey is the blob key of the archive generated for a task.
func ArtifactKey(taskID string) string {
	return "codex/" + taskID + ".zip"
}

// params is the decoded task input. Extra holds every other top-level key.
type params struct {
	Prompt      string
	InputBundle string
	Extra       map[string]json.RawMessage
}

func parseParams(raw json.RawMessage) (*params, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return nil, errors.New("params must be a JSON object")
	}
	p := &params{Extra: fields}

	if v, ok := fields["prompt"]; ok {
		if err := json.Unmarshal(v, &p.Prompt); err != nil {
			return nil, errors.New("prompt must be a string")
		}
		delete(fields, "prompt")
	}
	if strings.TrimSpace(p.Prompt) == "" {
		return nil, errors.New("prompt is required")
	}
	if v, ok := fields["input_bundle"]; ok {
		if string(v) != "null" {
			if err := json.Unmarshal(v, &p.InputBundle); err != nil {
				return nil, errors.New("input_bundle must be a string")
			}
		}
		delete(fields, "input_bundle")
	}
	return p, nil
}

// Handle runs codex for one task. Every failure is reported as an error outcome.
func (h *Handler) Handle(ctx context.Context, taskID string, raw json.RawMessage) model.Outcome {
	p, err := parseParams(raw)
	if err != nil {
		return model.Failedf("invalid params: %v", err)
	}

	dir, err := os.MkdirTemp(h.workDir, "codex-"+taskID+"-")
	if err != nil {
		return model.Failedf("create workspace: %v", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			h.logger.WarnContext(ctx, "remove workspace", "task_id", taskID, "dir", dir, "error", err)
		}
	}()

	if p.InputBundle != "" {
		if err := h.unpackBundle(ctx, p.InputBundle, dir); err != nil {
			return model.Failedf("input bundle %s: %v", p.InputBundle, err)
		}
	}

	h.logger.InfoContext(ctx, "running codex", "task_id", taskID, "binary", h.binary)
	started := time.Now()
	res, err := h.runner.Run(ctx, Command{
		Path:    h.binary,
		Args:    append(append([]string(nil), h.args...), p.Prompt),
		Dir:     dir,
		Timeout: h.timeout,
	})
	if err != nil {
		return model.Failedf("run codex: %v", err)
	}
	if res.ExitCode != 0 {
		return model.Failedf("codex exited with code %d: %s", res.ExitCode, strings.TrimSpace(string(res.Stderr)))
	}
	h.logger.InfoContext(ctx, "codex finished", "task_id", taskID, "duration", time.Since(started))

	payload := make(map[string]any, len(p.Extra)+3)
	for k, v := range p.Extra {
		payload[k] = v
	}
	payload[keyAssistantMsg] = ExtractAnswer(res.Stdout)

	key, url, err := h.publishArtifacts(ctx, taskID, dir)
	if err != nil {
		return model.Failedf("publish generated files: %v", err)
	}
	payload[keyGeneratedZip] = key
	if url != "" {
		payload[keyGeneratedZipURL] = url
	}
	return model.Completed(payload)
}

func (h *Handler) unpackBundle(ctx context.Context, key, dir string) error {
	if h.blobs == nil {
		return errors.New("blob store not configured")
	}
	data, err := h.blobs.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("fetch: %w", err)
	}
	if err := unzipInto(data, dir); err != nil {
		return fmt.Errorf("extract: %w", err)
	}
	return nil
}

// publishArtifacts uploads the workspace as a zip when it holds any file. It returns the
// blob key and, when presigning is available, a download URL. Both are empty for an empty workspace.
func (h *Handler) publishArtifacts(ctx context.Context, taskID, dir string) (string, string, error) {
	archive, files, err := zipDir(dir)
	if err != nil {
		return "", "", fmt.Errorf("package: %w", err)
	}
	if files == 0 {
		return "", "", nil
	}
	if h.blobs == nil {
		return "", "", errors.New("blob store not configured")
	}

	key := ArtifactKey(taskID)
	if err := h.blobs.Put(ctx, key, archive); err != nil {
		return "", "", fmt.Errorf("upload: %w", err)
	}
	h.logger.InfoContext(ctx, "uploaded generated files", "task_id", taskID, "key", key, "files", files, "bytes", len(archive))

	if h.presigner == nil {
		return key, "", nil
	}
	url, err := h.presigner.PresignGet(ctx, key, h.presignTTL)
	if err != nil {
		// The key alone still locates the archive.
		h.logger.WarnContext(ctx, "presign generated files", "task_id", taskID, "key", key, "error", err)
		return key, "", nil
	}
	return key, url, nil
}
