package codex

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/target/taskqueue/internal/domain/model"
	"github.com/target/taskqueue/internal/mocks"
)

// answerScript prints one completed assistant message whose text is the prompt ($1).
const answerScript = `printf '{"role":"assistant","type":"message","status":"completed","content":[{"type":"output_text","text":"%s"}]}\n' "$1"`

// newShellHandler runs script with /bin/sh; the prompt arrives as $1.
func newShellHandler(t *testing.T, script string, opts HandlerOptions) (*Handler, string) {
	t.Helper()
	if _, err := os.Stat("/bin/sh"); err != nil {
		t.Skip("/bin/sh not available")
	}
	workDir := t.TempDir()
	opts.Binary = "/bin/sh"
	opts.Args = []string{"-c", script, "codex"}
	opts.WorkDir = workDir
	return NewHandler(opts), workDir
}

func decodePayload(t *testing.T, out model.Outcome) map[string]any {
	t.Helper()
	require.Equal(t, model.TaskStatusCompleted, out.Status, "error: %s", out.Error)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(out.Value, &payload))
	return payload
}

func assertWorkspaceRemoved(t *testing.T, workDir string) {
	t.Helper()
	entries, err := os.ReadDir(workDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "scratch directory was not removed")
}

func zipOf(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = io.WriteString(w, body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func readZip(t *testing.T, data []byte) map[string]string {
	t.Helper()
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	out := map[string]string{}
	for _, f := range zr.File {
		assert.Equal(t, zip.Store, f.Method)
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		require.NoError(t, rc.Close())
		out[f.Name] = string(body)
	}
	return out
}

func TestHandle_AnswerWithoutFiles(t *testing.T) {
	ctrl := gomock.NewController(t)
	blobs := mocks.NewMockBlobStore(ctrl) // no calls expected
	h, workDir := newShellHandler(t, answerScript, HandlerOptions{Blobs: blobs})

	out := h.Handle(context.Background(), "task-a", json.RawMessage(`{"prompt":"echo hi","chat_id":7,"reply_to_message_id":3}`))

	payload := decodePayload(t, out)
	assert.Equal(t, "echo hi", payload["assistant_msg"])
	assert.Equal(t, "", payload["generated_zip"])
	assert.NotContains(t, payload, "generated_zip_url")
	assert.EqualValues(t, 7, payload["chat_id"])
	assert.EqualValues(t, 3, payload["reply_to_message_id"])
	assert.NotContains(t, payload, "prompt")
	assertWorkspaceRemoved(t, workDir)
}

func TestHandle_UploadsGeneratedFiles(t *testing.T) {
	ctrl := gomock.NewController(t)
	blobs := mocks.NewMockBlobStore(ctrl)
	presigner := mocks.NewMockBlobPresigner(ctrl)

	var uploaded []byte
	blobs.EXPECT().Put(gomock.Any(), "codex/task-b.zip", gomock.Any()).
		DoAndReturn(func(_ context.Context, _ string, data []byte) error {
			uploaded = data
			return nil
		})
	presigner.EXPECT().PresignGet(gomock.Any(), "codex/task-b.zip", 15*time.Minute).
		Return("https://blobs.example/codex/task-b.zip?sig=1", nil)

	script := `mkdir -p src && echo 'package main' > src/main.go && echo done > NOTES.txt && ` + answerScript
	h, workDir := newShellHandler(t, script, HandlerOptions{Blobs: blobs, Presigner: presigner, PresignTTL: 15 * time.Minute})

	out := h.Handle(context.Background(), "task-b", json.RawMessage(`{"prompt":"write code"}`))

	payload := decodePayload(t, out)
	assert.Equal(t, "write code", payload["assistant_msg"])
	assert.Equal(t, "codex/task-b.zip", payload["generated_zip"])
	assert.Equal(t, "https://blobs.example/codex/task-b.zip?sig=1", payload["generated_zip_url"])
	assert.Equal(t, map[string]string{
		"src/main.go": "package main\n",
		"NOTES.txt":   "done\n",
	}, readZip(t, uploaded))
	assertWorkspaceRemoved(t, workDir)
}

func TestHandle_PresignFailureKeepsKey(t *testing.T) {
	ctrl := gomock.NewController(t)
	blobs := mocks.NewMockBlobStore(ctrl)
	presigner := mocks.NewMockBlobPresigner(ctrl)
	blobs.EXPECT().Put(gomock.Any(), "codex/task-p.zip", gomock.Any()).Return(nil)
	presigner.EXPECT().PresignGet(gomock.Any(), gomock.Any(), gomock.Any()).Return("", errors.New("no creds"))

	h, _ := newShellHandler(t, `echo x > out.txt`, HandlerOptions{Blobs: blobs, Presigner: presigner})
	payload := decodePayload(t, h.Handle(context.Background(), "task-p", json.RawMessage(`{"prompt":"p"}`)))

	assert.Equal(t, NoAnswer, payload["assistant_msg"])
	assert.Equal(t, "codex/task-p.zip", payload["generated_zip"])
	assert.NotContains(t, payload, "generated_zip_url")
}

func TestHandle_ExtractsInputBundle(t *testing.T) {
	ctrl := gomock.NewController(t)
	blobs := mocks.NewMockBlobStore(ctrl)
	blobs.EXPECT().Get(gomock.Any(), "bundles/in.zip").
		Return(zipOf(t, map[string]string{"docs/input.txt": "from bundle"}), nil)
	blobs.EXPECT().Put(gomock.Any(), "codex/task-c.zip", gomock.Any()).Return(nil)

	script := `printf '{"role":"assistant","type":"message","status":"completed","content":[{"type":"output_text","text":"%s"}]}\n' "$(cat docs/input.txt)"`
	h, workDir := newShellHandler(t, script, HandlerOptions{Blobs: blobs})

	out := h.Handle(context.Background(), "task-c", json.RawMessage(`{"prompt":"read it","input_bundle":"bundles/in.zip"}`))

	payload := decodePayload(t, out)
	assert.Equal(t, "from bundle", payload["assistant_msg"])
	assert.NotContains(t, payload, "input_bundle")
	assertWorkspaceRemoved(t, workDir)
}

func TestHandle_Failures(t *testing.T) {
	tests := []struct {
		name    string
		script  string
		params  string
		setup   func(blobs *mocks.MockBlobStore)
		timeout time.Duration
		want    []string
	}{
		{
			name:   "non-zero exit carries code and stderr",
			script: `echo 'model overloaded' >&2; exit 3`,
			params: `{"prompt":"p"}`,
			want:   []string{"code 3", "model overloaded"},
		},
		{
			name:   "missing prompt",
			script: answerScript,
			params: `{"chat_id":1}`,
			want:   []string{"invalid params", "prompt is required"},
		},
		{
			name:   "params not an object",
			script: answerScript,
			params: `["prompt"]`,
			want:   []string{"params must be a JSON object"},
		},
		{
			name:   "bundle fetch failure",
			script: answerScript,
			params: `{"prompt":"p","input_bundle":"missing.zip"}`,
			setup: func(blobs *mocks.MockBlobStore) {
				blobs.EXPECT().Get(gomock.Any(), "missing.zip").Return(nil, model.ErrBlobNotFound)
			},
			want: []string{"input bundle missing.zip", "blob not found"},
		},
		{
			name:   "bundle escaping workspace",
			script: answerScript,
			params: `{"prompt":"p","input_bundle":"evil.zip"}`,
			setup: func(blobs *mocks.MockBlobStore) {
				blobs.EXPECT().Get(gomock.Any(), "evil.zip").Return(zipOf(t, map[string]string{"../evil.txt": "x"}), nil)
			},
			want: []string{"escapes the workspace"},
		},
		{
			name:   "upload failure",
			script: `echo x > out.txt`,
			params: `{"prompt":"p"}`,
			setup: func(blobs *mocks.MockBlobStore) {
				blobs.EXPECT().Put(gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("bucket unreachable"))
			},
			want: []string{"upload", "bucket unreachable"},
		},
		{
			name:    "deadline kills the process",
			script:  `sleep 10`,
			params:  `{"prompt":"p"}`,
			timeout: 200 * time.Millisecond,
			want:    []string{"timed out"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctrl := gomock.NewController(t)
			blobs := mocks.NewMockBlobStore(ctrl)
			if tt.setup != nil {
				tt.setup(blobs)
			}
			h, workDir := newShellHandler(t, tt.script, HandlerOptions{Blobs: blobs, Timeout: tt.timeout})

			out := h.Handle(context.Background(), "task-f", json.RawMessage(tt.params))

			require.True(t, out.Failed())
			for _, w := range tt.want {
				assert.Contains(t, out.Error, w)
			}
			assertWorkspaceRemoved(t, workDir)
		})
	}
}

func TestHandle_SpawnFailure(t *testing.T) {
	h := NewHandler(HandlerOptions{Binary: "/nonexistent/codex", WorkDir: t.TempDir()})

	out := h.Handle(context.Background(), "task-s", json.RawMessage(`{"prompt":"p"}`))

	require.True(t, out.Failed())
	assert.Contains(t, out.Error, "run codex")
}

func TestHandle_NoBlobStoreWithFiles(t *testing.T) {
	h, _ := newShellHandler(t, `echo x > out.txt`, HandlerOptions{})

	out := h.Handle(context.Background(), "task-n", json.RawMessage(`{"prompt":"p"}`))

	require.True(t, out.Failed())
	assert.Contains(t, out.Error, "blob store not configured")
}

// stubRunner records the command it was asked to run.
type stubRunner struct {
	got Command
	res *ProcessResult
}

func (s *stubRunner) Run(_ context.Context, c Command) (*ProcessResult, error) {
	s.got = c
	return s.res, nil
}

func TestHandle_CommandLine(t *testing.T) {
	runner := &stubRunner{res: &ProcessResult{}}
	h := NewHandler(HandlerOptions{Runner: runner, WorkDir: t.TempDir()})

	out := h.Handle(context.Background(), "task-l", json.RawMessage(`{"prompt":"fix the bug"}`))

	payload := decodePayload(t, out)
	assert.Equal(t, NoAnswer, payload["assistant_msg"])
	assert.Equal(t, "codex", runner.got.Path)
	assert.Equal(t, []string{"--full-auto", "--quiet", "fix the bug"}, runner.got.Args)
	assert.Equal(t, DefaultTimeout, runner.got.Timeout)
	assert.NotEmpty(t, runner.got.Dir)
	assert.Equal(t, []string{"--full-auto", "--quiet"}, DefaultArgs, "default args must not be mutated")
}
