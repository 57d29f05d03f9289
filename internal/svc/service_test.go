package svc

import (
	"context"
	"errors"
	"testing"

	"github.com/kardianos/service"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceConfigRunsServe(t *testing.T) {
	cfg := DefaultConfig("", "/tmp/vault.yaml", "vault")
	assert.Equal(t, DefaultServiceName, cfg.Name)

	linux := NewServiceConfig(cfg, "linux")
	assert.Equal(t, []string{"--service-run", "serve", "--config", "/tmp/vault.yaml"}, linux.Arguments)
	assert.Equal(t, "vault", linux.UserName)
	assert.Equal(t, "on-failure", linux.Option["Restart"])

	windows := NewServiceConfig(cfg, "windows")
	assert.Empty(t, windows.UserName)
	assert.Equal(t, "restart", windows.Option["OnFailure"])
}

func TestServiceModeArgs(t *testing.T) {
	args := []string{"vaultmesh", "--service-run", "serve", "--config", "/etc/x.yaml"}
	assert.True(t, IsServiceMode(args))
	assert.Equal(t, "/etc/x.yaml", ConfigPathFromArgs(args))

	assert.False(t, IsServiceMode([]string{"vaultmesh", "serve"}))
	assert.Equal(t, DefaultConfigPath(), ConfigPathFromArgs([]string{"vaultmesh"}))
}

func TestProgramStartStop(t *testing.T) {
	started := make(chan string, 1)
	prg := &Program{
		ConfigPath: "vault.yaml",
		Run: func(ctx context.Context, path string) error {
			started <- path
			<-ctx.Done()
			return ctx.Err()
		},
	}

	require.NoError(t, prg.Start(nil))
	assert.Equal(t, "vault.yaml", <-started)
	assert.NoError(t, prg.Stop(nil), "a cancelled run is a clean stop")
}

func TestProgramStopReportsFailure(t *testing.T) {
	boom := errors.New("store corrupt")
	prg := &Program{Run: func(context.Context, string) error { return boom }}

	require.NoError(t, prg.Start(nil))
	assert.ErrorIs(t, prg.Stop(nil), boom)
}

func TestProgramRequiresRun(t *testing.T) {
	assert.Error(t, (&Program{}).Start(nil))
}

func TestLogCommand(t *testing.T) {
	name, args, err := logCommand("linux", LogOptions{ServiceName: "vaultmesh", Follow: true})
	require.NoError(t, err)
	assert.Equal(t, "journalctl", name)
	assert.Equal(t, []string{"-u", "vaultmesh", "-n", "50", "--no-pager", "-o", "cat", "-f"}, args)

	name, args, err = logCommand("darwin", LogOptions{ServiceName: "vaultmesh", Lines: 10})
	require.NoError(t, err)
	assert.Equal(t, "tail", name)
	assert.Equal(t, []string{"-n", "10", "/var/log/vaultmesh.out.log", "/var/log/vaultmesh.err.log"}, args)

	_, _, err = logCommand("windows", LogOptions{ServiceName: "vaultmesh", Follow: true})
	assert.Error(t, err)

	_, _, err = logCommand("plan9", LogOptions{ServiceName: "vaultmesh"})
	assert.Error(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "running", StatusString(service.StatusRunning))
	assert.Equal(t, "stopped", StatusString(service.StatusStopped))
	assert.Equal(t, "unknown", StatusString(service.StatusUnknown))
}
