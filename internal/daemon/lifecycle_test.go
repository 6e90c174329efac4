package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	defer d.closeCore()

	lm := NewLifecycleManager(d)
	assert.Equal(t, d, lm.daemon)
	assert.Equal(t, filepath.Join(cfg.DataDir, "aosgate.pid"), lm.pidFile)
}

func TestLifecycleManagerStartStop(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.closeCore()

	lm := NewLifecycleManager(d)
	require.NoError(t, lm.Start())

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.pidFile)
	assert.True(t, os.IsNotExist(err))

	// stopping twice is harmless
	require.NoError(t, lm.Stop())
}

func TestLifecycleManagerRefusesLiveOwner(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.closeCore()

	lm := NewLifecycleManager(d)
	// the parent of the test binary is alive for the duration of the test
	require.NoError(t, os.WriteFile(lm.pidFile, []byte(strconv.Itoa(os.Getppid())), 0644))

	err := lm.Start()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already running")
	assert.Contains(t, err.Error(), strconv.Itoa(os.Getppid()))
}

func TestLifecycleManagerReplacesStalePIDFile(t *testing.T) {
	d := createTestDaemon(t, testConfig(t))
	defer d.closeCore()

	lm := NewLifecycleManager(d)
	require.NoError(t, os.WriteFile(lm.pidFile, []byte("not-a-pid"), 0644))
	require.NoError(t, lm.Start())
	defer lm.Stop()

	pid, err := lm.GetPID()
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
