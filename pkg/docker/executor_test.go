package docker

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCappedBufferKeepsPrefix(t *testing.T) {
	buf := &cappedBuffer{limit: 5}

	n, err := buf.Write([]byte("abc"))
	require.NoError(t, err)
	require.Equal(t, 3, n)
	require.False(t, buf.truncated)

	n, err = buf.Write([]byte("defgh"))
	require.NoError(t, err)
	require.Equal(t, 5, n)
	require.Equal(t, "abcde", buf.String())
	require.True(t, buf.truncated)

	_, err = buf.Write([]byte("more"))
	require.NoError(t, err)
	require.Equal(t, "abcde", buf.String())
}

func TestHostConfigAppliesLimitsAndSandbox(t *testing.T) {
	executor := &DockerExecutor{cfg: Config{MemoryLimitMB: 128, CPUShares: 256, WorkingDir: defaultWorkingDir}}

	hostCfg := executor.hostConfig(ExecutionRequest{Workspace: "/tmp/job-1", NetworkDisabled: true}, defaultWorkingDir)
	require.Equal(t, int64(128*1024*1024), hostCfg.Resources.Memory)
	require.Equal(t, hostCfg.Resources.Memory, hostCfg.Resources.MemorySwap)
	require.Equal(t, int64(256), hostCfg.Resources.CPUShares)
	require.Equal(t, "none", string(hostCfg.NetworkMode))
	require.Len(t, hostCfg.Mounts, 1)
	require.Equal(t, "/tmp/job-1", hostCfg.Mounts[0].Source)
	require.Equal(t, defaultWorkingDir, hostCfg.Mounts[0].Target)

	custom := executor.hostConfig(ExecutionRequest{MemoryLimitMB: 64, CPUShares: 1024}, defaultWorkingDir)
	require.Equal(t, int64(64*1024*1024), custom.Resources.Memory)
	require.Equal(t, int64(1024), custom.Resources.CPUShares)
	require.Equal(t, "bridge", string(custom.NetworkMode))
	require.Empty(t, custom.Mounts)
}

func TestOutcomeLabel(t *testing.T) {
	require.Equal(t, "canceled", outcomeLabel(ExecutionResult{Canceled: true, TimedOut: true}))
	require.Equal(t, "timeout", outcomeLabel(ExecutionResult{TimedOut: true}))
	require.Equal(t, "nonzero_exit", outcomeLabel(ExecutionResult{ExitCode: 2}))
	require.Equal(t, "exited", outcomeLabel(ExecutionResult{}))
}
