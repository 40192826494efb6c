package main

import (
	"testing"

	"rninspector/internal/config"
	"rninspector/internal/logger"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsOverrideOnlyWhenSet(t *testing.T) {
	o, fs, err := parseFlags([]string{"-runtime.port", "8082", "-simulate"}, logger.NewNop())
	require.NoError(t, err)

	cfg := config.NewConfig()
	cfg.Proxy.Port = 9000
	o.apply(fs, cfg)

	assert.Equal(t, 8082, cfg.Runtime.Port)
	assert.True(t, cfg.Simulation.Enabled)
	assert.Equal(t, 9000, cfg.Proxy.Port)
	assert.Equal(t, "localhost", cfg.Runtime.Host)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestFlagsFromEnvironment(t *testing.T) {
	t.Setenv("RNINSPECTOR_PROXY_PORT", "3000")
	t.Setenv("RNINSPECTOR_XHR_LOGGING", "true")
	t.Setenv("RNINSPECTOR_RUNTIME_HOST", "10.0.2.2")

	o, fs, err := parseFlags([]string{"-proxy.port", "1234"}, logger.NewNop())
	require.NoError(t, err)

	cfg := config.NewConfig()
	o.apply(fs, cfg)
	// 环境变量优先于命令行
	assert.Equal(t, 3000, cfg.Proxy.Port)
	assert.True(t, cfg.Runtime.XHRLoggingOnConnect)
	assert.Equal(t, "10.0.2.2", cfg.Runtime.Host)
}

func TestBadEnvironmentValueIgnored(t *testing.T) {
	t.Setenv("RNINSPECTOR_RUNTIME_PORT", "not-a-number")

	o, fs, err := parseFlags(nil, logger.NewNop())
	require.NoError(t, err)
	cfg := config.NewConfig()
	o.apply(fs, cfg)
	assert.Equal(t, 8081, cfg.Runtime.Port)
}
