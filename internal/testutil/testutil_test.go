package testutil

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetupMiniRedis(t *testing.T) {
	client, srv := SetupMiniRedis(t)

	require.NoError(t, client.Set(context.Background(), "k", "v", 0).Err())
	got, err := srv.Get("k")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func TestSetupTestRedis_ReturnsEmptyDB(t *testing.T) {
	client := SetupTestRedis(t)

	n, err := client.DBSize(context.Background()).Result()
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestNewTaskRequest(t *testing.T) {
	req := NewTaskRequest().WithJobType("codex-run").WithCorrelationString(`{"chat_id":7}`).Build()

	require.NoError(t, req.Validate())
	assert.Equal(t, "codex-run", req.JobType)
	assert.JSONEq(t, `{"chat_id":7}`, string(req.Correlation))
}
