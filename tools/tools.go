//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are run with `go run` or installed via `go install` and are not tracked in go.mod
// since they are development tools, not runtime dependencies.
package tools

// Development tools:
//
// mockgen - gomock generator for the ports in internal/core
//   Run: go generate ./internal/mocks
//   Version: go.uber.org/mock v0.6.0 (pinned in internal/mocks/generate.go)
//   Docs: https://github.com/uber-go/mock
//
// golangci-lint - linter aggregator honouring the //nolint directives in this repo
//   Install: go install github.com/golangci/golangci-lint/v2/cmd/golangci-lint@latest
//   Docs: https://golangci-lint.run
//
// Redis-backed tests fall back to miniredis; set REDIS_ADDR (and TEST_REQUIRE_REDIS=true)
// to run the data layer tests against a real Redis instead.
