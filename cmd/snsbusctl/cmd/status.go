package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

type endpointView struct {
	Protocol       string    `json:"protocol"`
	Endpoint       string    `json:"endpoint"`
	RecentFailures int       `json:"recent_failures"`
	LastFailure    time.Time `json:"last_failure"`
	LastReason     string    `json:"last_reason"`
}

type statsView struct {
	Dispatch struct {
		DeliveryPending   int   `json:"delivery_pending"`
		RedeliveryPending int   `json:"redelivery_pending"`
		InFlightSends     int64 `json:"in_flight_sends"`
		Overloaded        bool  `json:"overloaded"`
	} `json:"dispatch"`
	SubscriptionCacheKeys int    `json:"subscription_cache_keys"`
	EventSubscribers      int    `json:"event_subscribers"`
	EventsPublished       uint64 `json:"events_published"`
}

func newStatusCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show dispatch load and failing endpoints",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			client := opts.client()
			var stats statsView
			if err := client.get(ctx, "/v1/stats", &stats); err != nil {
				return err
			}
			var failing struct {
				Endpoints []endpointView `json:"endpoints"`
			}
			if err := client.get(ctx, "/v1/endpoints/failing", &failing); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if opts.json {
				return printJSON(out, map[string]any{"stats": stats, "failing": failing.Endpoints})
			}

			d := stats.Dispatch
			fmt.Fprintf(out, "Deliveries pending: %d  Redeliveries pending: %d  In flight: %d  Overloaded: %t\n",
				d.DeliveryPending, d.RedeliveryPending, d.InFlightSends, d.Overloaded)
			fmt.Fprintf(out, "Cached topics: %d  Delivery events: %d (%d watchers)\n\n",
				stats.SubscriptionCacheKeys, stats.EventsPublished, stats.EventSubscribers)

			if len(failing.Endpoints) == 0 {
				fmt.Fprintln(out, "No failing endpoints.")
				return nil
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PROTOCOL\tENDPOINT\tFAILURES\tLAST FAILURE\tREASON")
			for _, e := range failing.Endpoints {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
					e.Protocol,
					e.Endpoint,
					e.RecentFailures,
					e.LastFailure.Format(time.RFC3339),
					e.LastReason,
				)
			}
			return w.Flush()
		},
	}
}
