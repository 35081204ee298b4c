package cli

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/craigderington/wakeproxy/internal/config"
	"github.com/craigderington/wakeproxy/internal/runner"
	"github.com/craigderington/wakeproxy/pkg/types"
)

var keepAwakeCmd = &cobra.Command{
	Use:   "keepawake",
	Short: "Forward connections and keep this machine awake while they are open",
	Long: `Forward every connection on --listen to --target and hold a stay-awake
lock while at least one connection is open. The lock is released once no
connection has been open for --timeout.

Examples:
  # Keep a desktop awake while an SSH session runs through it
  wakeproxy keepawake --listen 0.0.0.0:2222 --target 127.0.0.1:22 --timeout 5m`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, withCommonKeys(map[string]string{
			"timeout":          "keepawake.timeout",
			"backend":          "keepawake.backend",
			"reason":           "keepawake.reason",
			"acquire-attempts": "keepawake.acquire_attempts",
		}))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy(cmd, types.ModeKeepAwake)
	},
}

var wolCmd = &cobra.Command{
	Use:   "wol",
	Short: "Wake the target with Wake-on-LAN before forwarding connections",
	Long: `Forward every connection on --listen to --target. When the target does
not answer a probe, one Wake-on-LAN magic packet is sent for --mac and the
connection waits up to --timeout for the target to come up.

Examples:
  # Wake a NAS on first access
  wakeproxy wol --listen 0.0.0.0:445 --target 192.168.1.20:445 \
    --mac aa:bb:cc:dd:ee:ff --timeout 30s

  # Probe with TCP connects instead of ICMP echo
  wakeproxy wol --listen :8022 --target nas.lan:22 --mac aa:bb:cc:dd:ee:ff --probe tcp`,
	Args: cobra.NoArgs,
	PreRunE: func(cmd *cobra.Command, args []string) error {
		return bindFlags(cmd, withCommonKeys(map[string]string{
			"mac":           "wol.mac",
			"timeout":       "wol.timeout",
			"probe":         "wol.probe",
			"privileged":    "wol.privileged",
			"probe-timeout": "wol.probe_timeout",
			"poll-interval": "wol.poll_interval",
			"broadcast":     "wol.broadcast",

			"count-wake-timeouts": "breaker.count_wake_timeouts",
		}))
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runProxy(cmd, types.ModeWakeOnLAN)
	},
}

func init() {
	f := keepAwakeCmd.Flags()
	addCommonFlags(f)
	f.Duration("timeout", 5*time.Minute, "how long to stay awake after the last connection closes")
	f.String("backend", "auto", "wake lock backend: auto or none")
	f.String("reason", "active TCP proxy connection", "reason shown by the OS for the lock")
	f.Int("acquire-attempts", 1, "attempts to acquire the lock before giving up")

	f = wolCmd.Flags()
	addCommonFlags(f)
	f.String("mac", "", "MAC address of the target (required)")
	f.Duration("timeout", 15*time.Second, "how long to wait for the target after the wake packet")
	f.String("probe", "icmp", "reachability probe: icmp or tcp")
	f.Bool("privileged", false, "use raw ICMP sockets (requires CAP_NET_RAW)")
	f.Duration("probe-timeout", time.Second, "timeout for a single probe")
	f.Duration("poll-interval", 500*time.Millisecond, "pause between probes while waiting")
	f.String("broadcast", "255.255.255.255:9", "destination for the magic packet")
	f.Bool("count-wake-timeouts", true, "count targets that do not wake in time as breaker failures")
}

func addCommonFlags(f *pflag.FlagSet) {
	f.String("listen", "", "address to accept connections on (host:port)")
	f.String("target", "", "address to forward connections to (host:port)")
	f.Duration("dial-timeout", 10*time.Second, "timeout for connecting to the target")
	f.Int("max-failures", 0, "consecutive failures before rejecting connections (0 disables)")
	f.Duration("recovery-timeout", 60*time.Second, "how long to reject connections once failing")
	f.String("admin", "", "serve the admin API on this address (host:port)")
	f.String("events-db", "", "record lifecycle events in this SQLite database")
}

func withCommonKeys(keys map[string]string) map[string]string {
	keys["listen"] = "listen"
	keys["target"] = "target"
	keys["dial-timeout"] = "dial_timeout"
	keys["max-failures"] = "breaker.max_failures"
	keys["recovery-timeout"] = "breaker.recovery_timeout"
	keys["admin"] = "admin.addr"
	keys["events-db"] = "events.db"
	return keys
}

func runProxy(cmd *cobra.Command, mode types.Mode) error {
	cfg, err := config.Load(viper.GetViper(), mode)
	if err != nil {
		return err
	}

	logger, closeLog, err := newLogger(cfg.Log)
	if err != nil {
		return err
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info().
		Str("version", version).
		Str("mode", string(mode)).
		Str("listen", cfg.Listen).
		Str("target", cfg.Target).
		Msg("Starting wakeproxy")

	return runner.Run(ctx, mode, cfg, runner.Options{
		Logger:  logger,
		Version: version,
	})
}
