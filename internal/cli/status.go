package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/craigderington/wakeproxy/internal/api"
	"github.com/craigderington/wakeproxy/pkg/types"
)

const defaultAdminAddr = "127.0.0.1:9180"

var httpClient = &http.Client{Timeout: 10 * time.Second}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the status of a running proxy",
	Long:  `Show mode, lock state, connection counters and breaker state of a running proxy.`,
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func runStatus(cmd *cobra.Command, args []string) error {
	body, err := getJSON(adminURL(viper.GetViper()) + "/api/v1/status")
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}

	var status types.Status
	if err := json.Unmarshal(body, &status); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Proxy Status: %s\n", status.Mode)
	fmt.Fprintln(out, "─────────────────────────────")
	fmt.Fprintf(out, "  Listen: %s\n", status.Listen)
	fmt.Fprintf(out, "  Target: %s\n", status.Target)
	fmt.Fprintf(out, "  Active Connections: %d\n", status.ActiveConnections)
	if status.LockState != types.LockStateNone {
		fmt.Fprintf(out, "  Wake Lock: %s\n", status.LockState)
	}
	if status.Breaker != "" {
		fmt.Fprintf(out, "  Circuit Breaker: %s\n", status.Breaker)
	}
	fmt.Fprintf(out, "  Connections: %d\n", status.Stats.Connections)
	fmt.Fprintf(out, "  Errors: %d\n", status.Stats.Errors)
	if status.Stats.Rejected > 0 {
		fmt.Fprintf(out, "  Rejected: %d\n", status.Stats.Rejected)
	}
	fmt.Fprintf(out, "  Bytes Sent: %s\n", formatBytes(status.Stats.BytesSent))
	fmt.Fprintf(out, "  Bytes Received: %s\n", formatBytes(status.Stats.BytesReceived))
	if !status.Stats.StartedAt.IsZero() {
		fmt.Fprintf(out, "  Up Since: %s\n", status.Stats.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}

	return nil
}

// adminURL returns the admin API base URL. Without --admin-url it is derived
// from admin.addr so the proxy's own config file works for the clients too.
func adminURL(v *viper.Viper) string {
	if u := v.GetString("admin.url"); u != "" {
		return strings.TrimRight(u, "/")
	}

	addr := v.GetString("admin.addr")
	if addr == "" {
		addr = defaultAdminAddr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return "http://" + addr
	}
	switch host {
	case "", "0.0.0.0", "::":
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// getJSON fetches url and returns the body of a 200 response. Error
// responses are reported by their API message.
func getJSON(url string) ([]byte, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr api.APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return nil, fmt.Errorf("%s (%d)", apiErr.Message, resp.StatusCode)
		}
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}

func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	units := []string{"B", "KB", "MB", "GB", "TB"}
	return fmt.Sprintf("%.1f %s", float64(bytes)/float64(div), units[exp+1])
}
