package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nolifedevel/l3roamd/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
tun_interface: l3roam0
client_interface: mesh0
mtu: 1400
pid_file: /run/l3roamd.pid
client_prefixes:
  - fd00:1::/48
v4_prefix: fd00:1:ffff::/96
node_client_prefix: fd00:2::
alloc_range_start: 10.0.0.1
alloc_range_end: 10.0.0.254
export_table: 42
nat46_ifindex: 3
packet_timeout: 30s
seek_interval: 5s
intercom:
  port: 10000
  self: fd00::1
  peers:
    - fd00::2
`

func writeConfig(t *testing.T, contents string) (path string) {
	t.Helper()

	path = filepath.Join(t.TempDir(), "l3roamd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))

	return path
}

func TestLoad_andResolve(t *testing.T) {
	path := writeConfig(t, validYAML)

	f, err := config.Load(path)
	require.NoError(t, err)

	r, err := f.Resolve()
	require.NoError(t, err)

	assert.Equal(t, "l3roam0", r.TUNInterface)
	assert.Equal(t, "mesh0", r.ClientInterface)
	assert.Equal(t, 1400, r.MTU)
	assert.Len(t, r.ClientMgr.Prefixes, 1)
	assert.Equal(t, 1, len(r.IntercomPeers))
}

func TestResolve_rejectsMalformedPrefix(t *testing.T) {
	path := writeConfig(t, `
client_prefixes:
  - not-a-prefix
v4_prefix: fd00:1:ffff::/96
node_client_prefix: fd00:2::
alloc_range_start: 10.0.0.1
alloc_range_end: 10.0.0.254
packet_timeout: 30s
seek_interval: 5s
intercom:
  self: fd00::1
`)

	f, err := config.Load(path)
	require.NoError(t, err)

	_, err = f.Resolve()
	assert.Error(t, err)
}

func TestLoad_missingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
