package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

type topicView struct {
	TopicArn  string `json:"topic_arn"`
	Name      string `json:"name"`
	OwnerID   string `json:"owner_id"`
	CreatedAt string `json:"created_at,omitempty"`
}

type subscriptionView struct {
	SubscriptionArn string `json:"subscription_arn"`
	TopicArn        string `json:"topic_arn"`
	OwnerID         string `json:"owner_id"`
	Protocol        string `json:"protocol"`
	Endpoint        string `json:"endpoint"`
	RawDelivery     bool   `json:"raw_delivery"`
	Confirmed       bool   `json:"confirmed"`
}

func newTopicCmd(opts *globalOptions) *cobra.Command {
	topicCmd := &cobra.Command{
		Use:   "topic",
		Short: "Manage topics",
	}
	topicCmd.AddCommand(
		newTopicCreateCmd(opts),
		newTopicDeleteCmd(opts),
		newTopicGetCmd(opts),
		newTopicSubscriptionsCmd(opts),
		newTopicPolicyCmd(opts),
	)
	return topicCmd
}

func newTopicCreateCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create NAME",
		Short: "Create a topic, or return the existing one",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			var topic topicView
			if err := opts.client().call(ctx, http.MethodPost, "/v1/topics", map[string]string{"name": args[0]}, &topic); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), topic)
			}
			fmt.Fprintln(cmd.OutOrStdout(), topic.TopicArn)
			return nil
		},
	}
}

func newTopicDeleteCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete TOPIC_ARN",
		Short: "Delete a topic and its subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			if err := opts.client().call(ctx, http.MethodDelete, arnPath("/v1/topics", args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", args[0])
			return nil
		},
	}
}

func newTopicGetCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get TOPIC_ARN",
		Short: "Show a topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			var topic map[string]any
			if err := opts.client().get(ctx, arnPath("/v1/topics", args[0]), &topic); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), topic)
		},
	}
}

func newTopicSubscriptionsCmd(opts *globalOptions) *cobra.Command {
	var all bool
	c := &cobra.Command{
		Use:   "subscriptions TOPIC_ARN",
		Short: "List a topic's subscriptions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			client := opts.client()
			var subs []subscriptionView
			next := ""
			for {
				var page struct {
					Subscriptions []subscriptionView `json:"subscriptions"`
					NextToken     string             `json:"next_token"`
				}
				path := arnPath("/v1/topics", args[0]) + "/subscriptions"
				if next != "" {
					path += "?" + url.Values{"next_token": {next}}.Encode()
				}
				if err := client.get(ctx, path, &page); err != nil {
					return err
				}
				subs = append(subs, page.Subscriptions...)
				if next = page.NextToken; next == "" || !all {
					break
				}
			}

			if opts.json {
				return printJSON(cmd.OutOrStdout(), subs)
			}
			if len(subs) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No subscriptions found.")
				return nil
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "SUBSCRIPTION ARN\tPROTOCOL\tENDPOINT\tRAW\tOWNER")
			for _, s := range subs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", s.SubscriptionArn, s.Protocol, s.Endpoint, s.RawDelivery, s.OwnerID)
			}
			if next != "" {
				fmt.Fprintf(w, "(more: --all, next token %s)\n", next)
			}
			return w.Flush()
		},
	}
	c.Flags().BoolVar(&all, "all", false, "follow every page")
	return c
}

func newTopicPolicyCmd(opts *globalOptions) *cobra.Command {
	var raw, file string
	c := &cobra.Command{
		Use:   "policy TOPIC_ARN",
		Short: "Set a topic's delivery policy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readInput(raw, file)
			if err != nil {
				return err
			}
			if len(doc) == 0 {
				return fmt.Errorf("must provide either --raw or --file")
			}
			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			var policy map[string]any
			if err := opts.client().call(ctx, http.MethodPut, arnPath("/v1/topics", args[0])+"/delivery-policy", doc, &policy); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), policy)
		},
	}
	c.Flags().StringVar(&raw, "raw", "", "policy JSON document")
	c.Flags().StringVarP(&file, "file", "f", "", "path to a policy JSON file, - for stdin")
	return c
}
