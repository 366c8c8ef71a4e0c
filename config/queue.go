package config

import (
	"strings"
	"time"
)

// QueueConfig contains the Redis queue layout and result retention.
type QueueConfig struct {
	// Namespace is the hash tag shared by every queue key.
	Namespace string `env:"QUEUE_NAMESPACE" envDefault:"taskqueue"`

	// ResultTTL is how long a result stays readable after the worker writes it.
	ResultTTL time.Duration `env:"QUEUE_RESULT_TTL" envDefault:"10m"`

	// BlockTimeout is the server-side window of each blocking dequeue.
	BlockTimeout time.Duration `env:"QUEUE_BLOCK_TIMEOUT" envDefault:"5s"`
}

// Sanitize applies guardrails to queue configuration values.
func (q *QueueConfig) Sanitize() {
	q.Namespace = strings.Trim(strings.TrimSpace(q.Namespace), "{}")
	if q.Namespace == "" {
		q.Namespace = "taskqueue"
	}
	if q.ResultTTL <= 0 {
		q.ResultTTL = 10 * time.Minute
	}
	if q.BlockTimeout < time.Second {
		q.BlockTimeout = time.Second
	}
}

// WorkerConfig contains worker loop configuration.
type WorkerConfig struct {
	// Concurrency is the number of independent worker loops per process.
	Concurrency int `env:"WORKER_CONCURRENCY" envDefault:"1"`

	// BackoffInitial and BackoffMax bound the retry delay after store failures.
	BackoffInitial time.Duration `env:"WORKER_BACKOFF_INITIAL" envDefault:"1s"`
	BackoffMax     time.Duration `env:"WORKER_BACKOFF_MAX"     envDefault:"30s"`

	// ShutdownTimeout bounds how long a stopping process waits for the worker loop to exit.
	ShutdownTimeout time.Duration `env:"WORKER_SHUTDOWN_TIMEOUT" envDefault:"30s"`
}

// Sanitize applies guardrails to worker configuration values.
func (w *WorkerConfig) Sanitize() {
	if w.Concurrency < 1 {
		w.Concurrency = 1
	}
	if w.BackoffInitial <= 0 {
		w.BackoffInitial = time.Second
	}
	if w.BackoffMax < w.BackoffInitial {
		w.BackoffMax = w.BackoffInitial
	}
	if w.ShutdownTimeout <= 0 {
		w.ShutdownTimeout = 30 * time.Second
	}
}

// CodexConfig contains codex-run handler configuration.
type CodexConfig struct {
	Enabled bool     `env:"CODEX_ENABLED" envDefault:"true"`
	Binary  string   `env:"CODEX_BINARY"  envDefault:"codex"`
	Args    []string `env:"CODEX_ARGS"    envDefault:"--full-auto,--quiet"`

	// WorkDir is the parent of per-task scratch directories; empty uses the OS temp dir.
	WorkDir string `env:"CODEX_WORKDIR"`

	// Timeout is the hard deadline of one run. Zero disables the deadline.
	Timeout time.Duration `env:"CODEX_TIMEOUT" envDefault:"30m"`

	// PresignTTL is how long generated archive links stay valid.
	PresignTTL time.Duration `env:"CODEX_PRESIGN_TTL" envDefault:"1h"`
}

// Sanitize applies guardrails to codex configuration values.
func (c *CodexConfig) Sanitize() {
	c.Binary = strings.TrimSpace(c.Binary)
	if c.Binary == "" {
		c.Binary = "codex"
	}
	c.WorkDir = strings.TrimSpace(c.WorkDir)
	if c.Timeout < 0 {
		c.Timeout = 0
	}
	if c.PresignTTL <= 0 {
		c.PresignTTL = time.Hour
	}
}

// BlobConfig contains S3-compatible blob store configuration.
type BlobConfig struct {
	// Bucket enables the blob store when non-empty.
	Bucket string `env:"BLOB_BUCKET"`

	Region          string `env:"S3_REGION"            envDefault:"us-east-1"`
	Endpoint        string `env:"S3_ENDPOINT"`
	AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `env:"S3_USE_PATH_STYLE"    envDefault:"false"`

	// MaxObjectBytes caps downloads; zero uses the store default.
	MaxObjectBytes int64 `env:"BLOB_MAX_OBJECT_BYTES" envDefault:"0"`
}

// Sanitize trims blob store settings.
func (b *BlobConfig) Sanitize() {
	b.Bucket = strings.TrimSpace(b.Bucket)
	b.Region = strings.TrimSpace(b.Region)
	b.Endpoint = strings.TrimRight(strings.TrimSpace(b.Endpoint), "/")
	if b.Region == "" {
		b.Region = "us-east-1"
	}
	if b.MaxObjectBytes < 0 {
		b.MaxObjectBytes = 0
	}
}

// IsEnabled reports whether a bucket is configured.
func (b *BlobConfig) IsEnabled() bool {
	return b.Bucket != ""
}

// HasStaticCredentials reports whether explicit keys replace the default AWS credential chain.
func (b *BlobConfig) HasStaticCredentials() bool {
	return b.AccessKeyID != "" && b.SecretAccessKey != ""
}
