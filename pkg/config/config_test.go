package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fako1024/bthalo/pkg/session"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.Nil(t, cfg.Validate())

	require.Equal(t, "info", cfg.LogLevel)
	require.Equal(t, TransportGATT, cfg.Transport)
	require.Equal(t, -1, cfg.HCIDevice)
	require.True(t, cfg.Bonds)
	require.Equal(t, "Flarm", cfg.NameFilter)
	require.Equal(t, 15*time.Second, cfg.ScanWindow)
	require.Equal(t, time.Second, cfg.RescanSettle)
	require.Equal(t, 16, cfg.QueueDepth)
	require.True(t, cfg.AutoReconnect)
	require.Equal(t, ":8080", cfg.Listen)

	// The defaults match the session defaults
	require.Equal(t, session.DefaultTiming(), cfg.Timing())
}

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(`
transport: mock
name_filter: Halo
sync_timeout: 2s
read_stagger: 50ms
auto_reconnect: false
`))
	require.Nil(t, err)
	require.Equal(t, TransportMock, cfg.Transport)
	require.Equal(t, "Halo", cfg.NameFilter)
	require.Equal(t, 2*time.Second, cfg.SyncTimeout)
	require.Equal(t, 50*time.Millisecond, cfg.Timing().ReadStagger)
	require.False(t, cfg.AutoReconnect)

	// Keys not present keep their defaults
	require.Equal(t, 10*time.Second, cfg.ConnectTimeout)

	cfg, err = Parse(nil)
	require.Nil(t, err)
	require.Equal(t, Default(), cfg)
}

func TestParseInvalid(t *testing.T) {
	for name, data := range map[string]string{
		"unknown key":        "volume: 3\n",
		"unknown transport":  "transport: serial\n",
		"invalid duration":   "scan_window: soon\n",
		"negative duration":  "reset_settle: -1s\n",
		"zero op timeout":    "op_timeout: 0s\n",
		"invalid queue":      "queue_depth: 0\n",
		"invalid log level":  "log_level: chatty\n",
		"malformed document": "transport: [\n",
	} {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(data))
			require.NotNil(t, err)
		})
	}
}

func TestLoad(t *testing.T) {
	cfg, err := Load("")
	require.Nil(t, err)
	require.Equal(t, Default(), cfg)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	path := filepath.Join(t.TempDir(), "halo.yaml")
	require.Nil(t, os.WriteFile(path, []byte("listen: \"127.0.0.1:9000\"\n"), 0600))
	cfg, err = Load(path)
	require.Nil(t, err)
	require.Equal(t, "127.0.0.1:9000", cfg.Listen)
}

func TestWriteRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.Transport = TransportGoBLE
	cfg.ResetSettle = 750 * time.Millisecond

	buf := new(bytes.Buffer)
	require.Nil(t, cfg.Write(buf))
	require.Contains(t, buf.String(), "reset_settle: 750ms")

	parsed, err := Parse(buf.Bytes())
	require.Nil(t, err)
	require.Equal(t, cfg, parsed)
}
