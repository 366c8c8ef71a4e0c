// Package mocks provides gomock implementations of the core ports for tests.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	blobs := mocks.NewMockBlobStore(ctrl)
//	blobs.EXPECT().Put(gomock.Any(), "codex/id.zip", gomock.Any()).Return(nil)
package mocks

//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=queue_store_mock.go github.com/target/taskqueue/internal/core QueueStore
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=result_store_mock.go github.com/target/taskqueue/internal/core ResultStore
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=blob_store_mock.go github.com/target/taskqueue/internal/core BlobStore
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=blob_presigner_mock.go github.com/target/taskqueue/internal/core BlobPresigner
