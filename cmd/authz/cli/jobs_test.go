package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianstat/authz-service/jobs"
)

func TestTriggerRejectsUnknownJob(t *testing.T) {
	cli, err := NewJobsCLI("127.0.0.1:6379")
	require.NoError(t, err)
	t.Cleanup(func() { _ = cli.Close() })

	_, err = cli.Trigger(context.Background(), "authz:sweep:unknown")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported job")
}

func TestTriggerUnconfiguredClient(t *testing.T) {
	var cli *JobsCLI

	_, err := cli.Trigger(context.Background(), jobs.TaskSweepPolicies)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "client not configured")
}

func TestInspectQueueUnconfigured(t *testing.T) {
	cli := &JobsCLI{}

	_, err := cli.InspectQueue(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "inspector not configured")
}

func TestListScheduledUnconfigured(t *testing.T) {
	cli := &JobsCLI{}

	_, err := cli.ListScheduled(context.Background(), 5)
	require.Error(t, err)
}
