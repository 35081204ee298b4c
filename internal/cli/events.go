package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/craigderington/wakeproxy/internal/api"
	"github.com/craigderington/wakeproxy/pkg/types"
)

var (
	eventsLimit  int
	eventsKind   string
	eventsFollow bool
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recent lifecycle events",
	Long: `List recent lifecycle events recorded by a running proxy, newest first.
The proxy must run with an admin API and an event database.

Examples:
  wakeproxy events --limit 20
  wakeproxy events --kind wake_timeout
  wakeproxy events --follow`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 50, "maximum number of events to list")
	eventsCmd.Flags().StringVar(&eventsKind, "kind", "", "only list events of this kind")
	eventsCmd.Flags().BoolVarP(&eventsFollow, "follow", "f", false, "stream new events until interrupted")
}

func runEvents(cmd *cobra.Command, args []string) error {
	base := adminURL(viper.GetViper())
	out := cmd.OutOrStdout()

	if eventsFollow {
		return followEvents(cmd.Context(), out, base, types.EventKind(eventsKind))
	}

	query := url.Values{}
	query.Set("limit", strconv.Itoa(eventsLimit))
	if eventsKind != "" {
		query.Set("kind", eventsKind)
	}

	body, err := getJSON(base + "/api/v1/events?" + query.Encode())
	if err != nil {
		return fmt.Errorf("failed to list events: %w", err)
	}

	var result struct {
		Events []types.Event `json:"events"`
		Count  int           `json:"count"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	if len(result.Events) == 0 {
		fmt.Fprintln(out, "No events")
		return nil
	}

	// Print table
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "TIME\tKIND\tCONN\tDETAIL")
	fmt.Fprintln(w, "────\t────\t────\t──────")
	for _, ev := range result.Events {
		printEvent(w, ev)
	}
	w.Flush()

	fmt.Fprintf(out, "\nTotal: %d event(s)\n", result.Count)
	return nil
}

// followEvents prints events from the live stream until ctx is done or the
// proxy closes the stream
func followEvents(ctx context.Context, out io.Writer, base string, kind types.EventKind) error {
	streamURL := "ws" + strings.TrimPrefix(base, "http") + "/api/v1/events/stream"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, streamURL, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to event stream: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	for {
		var msg api.StreamMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if ctx.Err() != nil || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return fmt.Errorf("event stream: %w", err)
		}
		if kind != "" && msg.Payload.Kind != kind {
			continue
		}
		printEvent(out, msg.Payload)
	}
}

func printEvent(w io.Writer, ev types.Event) {
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
		ev.Time.Local().Format("2006-01-02 15:04:05"),
		ev.Kind,
		truncate(ev.ConnID, 8),
		ev.Detail,
	)
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
