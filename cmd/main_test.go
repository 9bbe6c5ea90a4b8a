package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"IP_Quality_Selector_Go/internal/config"
	"IP_Quality_Selector_Go/internal/datasource"
	"IP_Quality_Selector_Go/internal/engine"
	"IP_Quality_Selector_Go/internal/locations"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestEmbeddedDefaultsParse(t *testing.T) {
	dir := t.TempDir()
	p, err := preparePaths(zap.NewNop(), dir)
	require.NoError(t, err)

	cfg, err := config.LoadConfig(p.cfg)
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())
	assert.NotEmpty(t, cfg.Authorities)
	assert.Equal(t, []string{"443", "80"}, cfg.Ports)
	assert.Equal(t, 720, cfg.Geo.RetentionHours)

	countries, err := locations.LoadLocationsFromFile(p.locations)
	require.NoError(t, err)
	assert.Equal(t, "美国", countries.DisplayName("US"))

	domains, err := datasource.LoadDomainsFromFile(p.domains)
	require.NoError(t, err)
	assert.NotEmpty(t, domains)
}

func TestEnsureFileKeepsExisting(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(existing, []byte("concurrency: 3\n"), 0644))

	path, err := ensureFile(zap.NewNop(), dir, "config.yaml", []byte("concurrency: 50\n"))
	require.NoError(t, err)
	assert.Equal(t, existing, path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "concurrency: 3\n", string(data))
}

func TestIsEmptyRun(t *testing.T) {
	assert.True(t, isEmptyRun(engine.ErrNoAddresses))
	assert.True(t, isEmptyRun(fmt.Errorf("加载域名列表失败: %w", datasource.ErrNoDomains)))
	assert.True(t, isEmptyRun(engine.ErrNoReachable))
	assert.True(t, isEmptyRun(engine.ErrNoCandidates))
	assert.False(t, isEmptyRun(context.Canceled))
	assert.False(t, isEmptyRun(config.ErrNoAuthorities))
	assert.False(t, isEmptyRun(os.ErrPermission))
}

func TestRootCommandFlags(t *testing.T) {
	cmd := newRootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--cli", "--port", "9090", "-v"}))

	cli, err := cmd.Flags().GetBool("cli")
	require.NoError(t, err)
	assert.True(t, cli)
	port, err := cmd.Flags().GetInt("port")
	require.NoError(t, err)
	assert.Equal(t, 9090, port)

	names := []string{}
	for _, c := range cmd.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"run", "serve"}, names)
}
