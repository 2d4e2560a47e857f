package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func newSubscribeCmd(opts *globalOptions) *cobra.Command {
	var (
		topicArn, protocol, endpoint string
		rawDelivery                  bool
		policy, policyFile           string
	)
	c := &cobra.Command{
		Use:   "subscribe",
		Short: "Subscribe an endpoint to a topic",
		Example: `  snsbusctl subscribe --topic arn:snsbus:local:me:orders --protocol https --endpoint https://example.com/hook
  snsbusctl subscribe --topic arn:snsbus:local:me:orders --protocol sqs --endpoint orders-queue --raw-delivery`,
		RunE: func(cmd *cobra.Command, args []string) error {
			doc, err := readInput(policy, policyFile)
			if err != nil {
				return err
			}
			body := map[string]any{
				"topic_arn":    topicArn,
				"protocol":     protocol,
				"endpoint":     endpoint,
				"raw_delivery": rawDelivery,
			}
			if len(doc) > 0 {
				body["delivery_policy"] = json.RawMessage(doc)
			}

			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			var sub subscriptionView
			if err := opts.client().call(ctx, http.MethodPost, "/v1/subscriptions", body, &sub); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), sub)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sub.SubscriptionArn)
			return nil
		},
	}
	c.Flags().StringVarP(&topicArn, "topic", "t", "", "topic ARN")
	c.Flags().StringVarP(&protocol, "protocol", "p", "", "http, https, email, email-json, sms or sqs")
	c.Flags().StringVarP(&endpoint, "endpoint", "e", "", "endpoint address for the protocol")
	c.Flags().BoolVar(&rawDelivery, "raw-delivery", false, "deliver the message body without the JSON envelope")
	c.Flags().StringVar(&policy, "policy", "", "subscription delivery policy JSON")
	c.Flags().StringVar(&policyFile, "policy-file", "", "path to a delivery policy JSON file")
	c.MarkFlagRequired("topic")
	c.MarkFlagRequired("protocol")
	c.MarkFlagRequired("endpoint")
	return c
}

func newConfirmCmd(opts *globalOptions) *cobra.Command {
	var topicArn, token string
	c := &cobra.Command{
		Use:   "confirm",
		Short: "Confirm a pending subscription with its token",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			q := url.Values{"TopicArn": {topicArn}, "Token": {token}}
			var sub subscriptionView
			if err := opts.client().get(ctx, "/v1/subscriptions/confirm?"+q.Encode(), &sub); err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), sub)
			}
			fmt.Fprintln(cmd.OutOrStdout(), sub.SubscriptionArn)
			return nil
		},
	}
	c.Flags().StringVarP(&topicArn, "topic", "t", "", "topic ARN")
	c.Flags().StringVar(&token, "token", "", "token from the SubscriptionConfirmation message")
	c.MarkFlagRequired("topic")
	c.MarkFlagRequired("token")
	return c
}

func newUnsubscribeCmd(opts *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "unsubscribe SUBSCRIPTION_ARN",
		Short: "Remove a subscription",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			if err := opts.client().call(ctx, http.MethodDelete, arnPath("/v1/subscriptions", args[0]), nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Unsubscribed %s\n", args[0])
			return nil
		},
	}
}

func newSubscriptionCmd(opts *globalOptions) *cobra.Command {
	subCmd := &cobra.Command{
		Use:   "subscription",
		Short: "Manage a subscription",
	}

	var raw, file string
	policyCmd := &cobra.Command{
		Use:   "policy SUBSCRIPTION_ARN",
		Short: "Set a subscription's delivery policy",
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
			if err := opts.client().call(ctx, http.MethodPut, arnPath("/v1/subscriptions", args[0])+"/delivery-policy", doc, &policy); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), policy)
		},
	}
	policyCmd.Flags().StringVar(&raw, "raw", "", "policy JSON document")
	policyCmd.Flags().StringVarP(&file, "file", "f", "", "path to a policy JSON file, - for stdin")

	subCmd.AddCommand(policyCmd)
	return subCmd
}
