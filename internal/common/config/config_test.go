package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func writeConfig(t *testing.T, doc map[string]interface{}) string {
	t.Helper()
	dir := t.TempDir()
	data, err := yaml.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0o644))
	return dir
}

func TestDefaults(t *testing.T) {
	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Endpoints.Host)
	assert.Equal(t, 3000, cfg.Endpoints.AgentPort)
	assert.Equal(t, 3001, cfg.Endpoints.ClientPort)
	assert.Equal(t, 3002, cfg.Endpoints.ServicePort)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Empty(t, cfg.NATS.URL, "in-memory bus by default")
	assert.Equal(t, 30*time.Second, cfg.Timeouts.ResponseTimeout())
	assert.Equal(t, 60*time.Second, cfg.Timeouts.ToolCallTimeout())
	assert.Equal(t, time.Duration(0), cfg.Timeouts.DisconnectGrace())
	assert.False(t, cfg.Telemetry.Enabled)
}

func TestLoadFromFile(t *testing.T) {
	dir := writeConfig(t, map[string]interface{}{
		"endpoints": map[string]interface{}{
			"host":        "127.0.0.1",
			"agentPort":   4000,
			"clientPort":  4001,
			"servicePort": 4002,
		},
		"logging": map[string]interface{}{"level": "debug"},
		"timeouts": map[string]interface{}{
			"responseSeconds":   5,
			"disconnectGraceMs": 1500,
		},
		"peers": map[string]interface{}{
			"agents": []map[string]interface{}{
				{"id": "agent-echo", "name": "echo", "capabilities": []string{"echo"}},
			},
		},
		"toolServers": []map[string]interface{}{
			{"name": "search", "command": "./search-server"},
			{"name": "scraper", "path": "tools/scrape.py", "type": "python"},
		},
	})

	cfg, err := LoadWithPath(dir)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Endpoints.Host)
	assert.Equal(t, 4000, cfg.Endpoints.AgentPort)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 5*time.Second, cfg.Timeouts.ResponseTimeout())
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeouts.DisconnectGrace())

	require.Len(t, cfg.Peers.Agents, 1)
	assert.Equal(t, "agent-echo", cfg.Peers.Agents[0].ID)
	assert.Equal(t, []string{"echo"}, cfg.Peers.Agents[0].Capabilities)

	require.Len(t, cfg.ToolServers, 2)
	assert.Equal(t, "./search-server", cfg.ToolServers[0].Command)
	assert.Equal(t, "python", cfg.ToolServers[1].Type)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("HIVEGRID_ENDPOINTS_AGENT_PORT", "5000")
	t.Setenv("HIVEGRID_NATS_URL", "nats://localhost:4222")

	cfg, err := LoadWithPath(t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, 5000, cfg.Endpoints.AgentPort)
	assert.Equal(t, "nats://localhost:4222", cfg.NATS.URL)
}

func TestValidateRejectsDuplicatePorts(t *testing.T) {
	dir := writeConfig(t, map[string]interface{}{
		"endpoints": map[string]interface{}{
			"agentPort":  3000,
			"clientPort": 3000,
		},
	})
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "same port")
}

func TestValidateRejectsBadPort(t *testing.T) {
	dir := writeConfig(t, map[string]interface{}{
		"endpoints": map[string]interface{}{"agentPort": 70000},
	})
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "between 1 and 65535")
}

func TestValidateToolServers(t *testing.T) {
	dir := writeConfig(t, map[string]interface{}{
		"toolServers": []map[string]interface{}{
			{"name": "broken"},
		},
	})
	_, err := LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "needs command or path")

	dir = writeConfig(t, map[string]interface{}{
		"toolServers": []map[string]interface{}{
			{"name": "script", "path": "x.rb", "type": "ruby"},
		},
	})
	_, err = LoadWithPath(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must be python or node")
}
