package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
)

type globalOptions struct {
	server  string
	user    string
	timeout time.Duration
	json    bool
}

// NewRootCmd builds the full command tree.
func NewRootCmd() *cobra.Command {
	opts := &globalOptions{}
	root := &cobra.Command{
		Use:   "snsbusctl",
		Short: "CLI for the snsbus notification bus",
		Long: `snsbusctl manages topics and subscriptions on an snsbus server,
publishes messages and watches deliveries as they happen.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&opts.server, "server", "s", envOr("SNSBUS_SERVER", "http://localhost:9911"), "snsbus HTTP API base URL")
	root.PersistentFlags().StringVarP(&opts.user, "user", "u", os.Getenv("SNSBUS_USER"), "account id sent with every request")
	root.PersistentFlags().DurationVar(&opts.timeout, "timeout", 10*time.Second, "request timeout")
	root.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON responses")

	root.AddCommand(
		newTopicCmd(opts),
		newSubscribeCmd(opts),
		newConfirmCmd(opts),
		newUnsubscribeCmd(opts),
		newSubscriptionCmd(opts),
		newPublishCmd(opts),
		newQueuesCmd(),
		newStatusCmd(opts),
		newWatchCmd(opts),
	)
	return root
}

func Execute() error {
	root := NewRootCmd()
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return err
	}
	return nil
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// NewCommandContext bounds a single request by --timeout.
func (o *globalOptions) NewCommandContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.timeout > 0 {
		return context.WithTimeout(ctx, o.timeout)
	}
	return context.WithCancel(ctx)
}

func printJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// readInput returns the inline value, or the contents of path when set.
func readInput(inline, path string) ([]byte, error) {
	switch {
	case inline != "" && path != "":
		return nil, fmt.Errorf("cannot provide both an inline value and --file")
	case path == "-":
		return io.ReadAll(os.Stdin)
	case path != "":
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		return data, nil
	}
	return []byte(inline), nil
}
