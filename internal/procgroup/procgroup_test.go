// SPDX-License-Identifier: MIT

//go:build unix

package procgroup

import (
	"context"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureSetsGroupAndCancelHook(t *testing.T) {
	cmd := exec.CommandContext(context.Background(), "true")
	Configure(cmd)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setpgid)
	assert.NotNil(t, cmd.Cancel)
	assert.Equal(t, killDelay, cmd.WaitDelay)
}

func TestCancelReapsSleepingChild(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cmd := exec.CommandContext(ctx, "sh", "-c", "sleep 30")
	Configure(cmd)
	require.NoError(t, cmd.Start())

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	cancel()
	select {
	case err := <-done:
		assert.Error(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("process group survived cancellation")
	}
}

func TestSignalGroupToleratesFinishedProcess(t *testing.T) {
	cmd := exec.CommandContext(context.Background(), "true")
	Configure(cmd)
	require.NoError(t, cmd.Run())
	assert.NoError(t, signalGroup(cmd))
}
