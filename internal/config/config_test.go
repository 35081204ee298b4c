package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/craigderington/wakeproxy/pkg/types"
)

func newViper(values map[string]interface{}) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	for k, val := range values {
		v.Set(k, val)
	}
	return v
}

func TestLoadDefaults(t *testing.T) {
	v := newViper(map[string]interface{}{
		"listen": "0.0.0.0:2222",
		"target": "desktop.lan:22",
	})

	cfg, err := Load(v, types.ModeKeepAwake)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Second, cfg.DialTimeout)
	assert.Equal(t, 5*time.Minute, cfg.KeepAwake.Timeout)
	assert.Equal(t, "auto", cfg.KeepAwake.Backend)
	assert.Equal(t, "active TCP proxy connection", cfg.KeepAwake.Reason)
	assert.Equal(t, 1, cfg.KeepAwake.AcquireAttempts)
	assert.Equal(t, 15*time.Second, cfg.WOL.Timeout)
	assert.Equal(t, "icmp", cfg.WOL.Probe)
	assert.Equal(t, time.Second, cfg.WOL.ProbeTimeout)
	assert.Equal(t, 500*time.Millisecond, cfg.WOL.PollInterval)
	assert.Equal(t, "255.255.255.255:9", cfg.WOL.Broadcast)
	assert.Zero(t, cfg.Breaker.MaxFailures)
	assert.Equal(t, 60*time.Second, cfg.Breaker.RecoveryTimeout)
	assert.True(t, cfg.Breaker.CountWakeTimeouts)
	assert.Empty(t, cfg.Admin.Addr)
	assert.Empty(t, cfg.Events.DB)
	assert.Equal(t, 7*24*time.Hour, cfg.Events.Retention)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "wakeproxy.yaml")
	content := `
listen: 127.0.0.1:8022
target: 192.168.1.20:22
wol:
  mac: "00:11:22:33:44:55"
  timeout: 30s
  probe: tcp
  poll_interval: 250ms
breaker:
  max_failures: 3
log:
  level: debug
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := viper.New()
	SetDefaults(v)
	v.SetConfigFile(path)
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v, types.ModeWakeOnLAN)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:8022", cfg.Listen)
	assert.Equal(t, "192.168.1.20:22", cfg.Target)
	assert.Equal(t, "00:11:22:33:44:55", cfg.WOL.MAC)
	assert.Equal(t, 30*time.Second, cfg.WOL.Timeout)
	assert.Equal(t, "tcp", cfg.WOL.Probe)
	assert.Equal(t, 250*time.Millisecond, cfg.WOL.PollInterval)
	assert.Equal(t, time.Second, cfg.WOL.ProbeTimeout)
	assert.Equal(t, 3, cfg.Breaker.MaxFailures)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("WAKEPROXY_LISTEN", ":2222")
	t.Setenv("WAKEPROXY_TARGET", "[::1]:22")
	t.Setenv("WAKEPROXY_KEEPAWAKE_TIMEOUT", "2s")

	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix("WAKEPROXY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg, err := Load(v, types.ModeKeepAwake)
	require.NoError(t, err)
	assert.Equal(t, ":2222", cfg.Listen)
	assert.Equal(t, "[::1]:22", cfg.Target)
	assert.Equal(t, 2*time.Second, cfg.KeepAwake.Timeout)
}

func TestValidate(t *testing.T) {
	base := map[string]interface{}{
		"listen":  "127.0.0.1:0",
		"target":  "host.lan:22",
		"wol.mac": "aa:bb:cc:dd:ee:ff",
	}

	tests := []struct {
		name     string
		mode     types.Mode
		override map[string]interface{}
		wantErr  string
	}{
		{
			name: "valid keepawake",
			mode: types.ModeKeepAwake,
		},
		{
			name: "valid wol",
			mode: types.ModeWakeOnLAN,
		},
		{
			name:     "missing listen",
			mode:     types.ModeKeepAwake,
			override: map[string]interface{}{"listen": ""},
			wantErr:  "listen is required",
		},
		{
			name:     "target without port",
			mode:     types.ModeKeepAwake,
			override: map[string]interface{}{"target": "host.lan"},
			wantErr:  "target must be a host:port address",
		},
		{
			name:     "port out of range",
			mode:     types.ModeKeepAwake,
			override: map[string]interface{}{"target": "host.lan:70000"},
			wantErr:  "target must be a host:port address",
		},
		{
			name:     "unknown backend",
			mode:     types.ModeKeepAwake,
			override: map[string]interface{}{"keepawake.backend": "systemd"},
			wantErr:  "keepawake.backend must be one of: auto, none",
		},
		{
			name:     "zero timeout",
			mode:     types.ModeKeepAwake,
			override: map[string]interface{}{"keepawake.timeout": "0s"},
			wantErr:  "keepawake.timeout must be greater than 0",
		},
		{
			name:     "zero acquire attempts",
			mode:     types.ModeKeepAwake,
			override: map[string]interface{}{"keepawake.acquire_attempts": 0},
			wantErr:  "keepawake.acquire_attempts must be at least 1",
		},
		{
			name:     "wol without mac",
			mode:     types.ModeWakeOnLAN,
			override: map[string]interface{}{"wol.mac": ""},
			wantErr:  "wol.mac is required",
		},
		{
			name:     "keepawake ignores missing mac",
			mode:     types.ModeKeepAwake,
			override: map[string]interface{}{"wol.mac": ""},
		},
		{
			name:     "bad mac",
			mode:     types.ModeWakeOnLAN,
			override: map[string]interface{}{"wol.mac": "not-a-mac"},
			wantErr:  "wol.mac must be a 6-byte MAC address",
		},
		{
			name:     "eui-64 mac",
			mode:     types.ModeWakeOnLAN,
			override: map[string]interface{}{"wol.mac": "aa:bb:cc:dd:ee:ff:00:11"},
			wantErr:  "wol.mac must be a 6-byte MAC address",
		},
		{
			name:     "infiniband mac",
			mode:     types.ModeWakeOnLAN,
			override: map[string]interface{}{"wol.mac": "00:00:00:00:fe:80:00:00:00:00:00:00:02:00:5e:10:00:00:00:01"},
			wantErr:  "wol.mac must be a 6-byte MAC address",
		},
		{
			name:     "dashed mac",
			mode:     types.ModeWakeOnLAN,
			override: map[string]interface{}{"wol.mac": "AA-BB-CC-DD-EE-FF"},
		},
		{
			name:     "unknown probe",
			mode:     types.ModeWakeOnLAN,
			override: map[string]interface{}{"wol.probe": "arp"},
			wantErr:  "wol.probe must be one of: icmp, tcp",
		},
		{
			name:     "bad log level",
			mode:     types.ModeKeepAwake,
			override: map[string]interface{}{"log.level": "trace"},
			wantErr:  "log.level must be one of",
		},
		{
			name:    "unknown mode",
			mode:    types.Mode("both"),
			wantErr: `unknown mode "both"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := newViper(base)
			for k, val := range tt.override {
				v.Set(k, val)
			}

			_, err := Load(v, tt.mode)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestFieldKey(t *testing.T) {
	tests := []struct {
		namespace string
		want      string
	}{
		{"Config.Listen", "listen"},
		{"Config.WOL.PollInterval", "wol.poll_interval"},
		{"Config.KeepAwake.AcquireAttempts", "keepawake.acquire_attempts"},
		{"Config.Log.MaxSizeMB", "log.max_size_mb"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, fieldKey(tt.namespace))
		})
	}
}
