package main

import (
	"context"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type cli struct {
	Serve ServeCommand `cmd:""`
}

func parse(t *testing.T, args ...string) (*cli, error) {
	t.Helper()
	var c cli
	p, err := kong.New(&c, kong.Exit(func(int) { t.Fatal("unexpected exit") }))
	require.NoError(t, err)
	_, err = p.Parse(append([]string{"serve"}, args...))
	return &c, err
}

func TestServeFlags(t *testing.T) {
	a := assert.New(t)

	c, err := parse(t,
		"--addr=127.0.0.1:9000",
		"--idle-timeout=5s",
		"--shutdown-timeout=1s",
		"--max-concurrent-streams=10",
		"--initial-window-size=1048576",
		"--access-log",
	)
	require.NoError(t, err)

	cfg := c.Serve.Config()
	a.Equal("127.0.0.1:9000", c.Serve.Addr)
	a.Equal(5*time.Second, cfg.IdleTimeout)
	a.Equal(time.Second, cfg.ShutdownTimeout)
	a.Equal(11*time.Second, cfg.ReadTimeout)
	a.Equal(uint32(10), cfg.MaxConcurrentStreams)
	a.Equal(uint32(1<<20), cfg.InitialWindowSize)
	a.Equal(uint32(16384), cfg.MaxFrameSize)
	a.Equal(16384, cfg.ChunkSize)
	a.True(c.Serve.AccessLog)
}

func TestServeFlagsValidation(t *testing.T) {
	_, err := parse(t, "--max-frame-size=100")
	assert.ErrorContains(t, err, "--max-frame-size")

	_, err = parse(t, "--chunk-size=0")
	assert.ErrorContains(t, err, "--chunk-size")
}

func TestServeRun(t *testing.T) {
	for _, args := range [][]string{
		{},
		{"--rate-interval=10ms", "--shutdown-timeout=100ms"},
		{"--debug-addr=127.0.0.1:0", "--access-log"},
	} {
		c, err := parse(t, append([]string{"--addr=127.0.0.1:0"}, args...)...)
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
		assert.NoError(t, c.Serve.Run(ctx), args)
		cancel()
	}
}
