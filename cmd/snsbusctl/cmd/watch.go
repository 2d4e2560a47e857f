package cmd

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lupppig/snsbus/internal/httpclient"
)

type deliveryView struct {
	MessageID       string        `json:"message_id"`
	TopicArn        string        `json:"topic_arn"`
	SubscriptionArn string        `json:"subscription_arn"`
	Protocol        string        `json:"protocol"`
	Endpoint        string        `json:"endpoint"`
	Status          string        `json:"status"`
	Detail          string        `json:"detail"`
	Attempt         int           `json:"attempt"`
	Phase           string        `json:"phase"`
	Delay           time.Duration `json:"delay"`
	Timestamp       time.Time     `json:"timestamp"`
}

func newWatchCmd(opts *globalOptions) *cobra.Command {
	var topicArn, subscriptionArn string
	var statuses []string
	var limit int
	c := &cobra.Command{
		Use:   "watch",
		Short: "Stream delivery events as they happen",
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if topicArn != "" {
				q.Set("topic_arn", topicArn)
			}
			if subscriptionArn != "" {
				q.Set("subscription_arn", subscriptionArn)
			}
			if len(statuses) > 0 {
				q.Set("status", strings.Join(statuses, ","))
			}
			client := opts.client()
			target := client.base + "/v1/events"
			if len(q) > 0 {
				target += "?" + q.Encode()
			}

			body, err := httpclient.New(0).Stream(cmd.Context(), target, client.headers())
			if err != nil {
				return err
			}
			defer body.Close()
			return readEvents(body, limit, func(ev deliveryView, raw string) error {
				if opts.json {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), raw)
					return err
				}
				return printEvent(cmd.OutOrStdout(), ev)
			})
		},
	}
	c.Flags().StringVarP(&topicArn, "topic", "t", "", "only events for this topic")
	c.Flags().StringVar(&subscriptionArn, "subscription", "", "only events for this subscription")
	c.Flags().StringSliceVar(&statuses, "status", nil, "only these delivery statuses (delivered, retrying, throttled, failed, exhausted)")
	c.Flags().IntVarP(&limit, "limit", "n", 0, "stop after n events")
	return c
}

// readEvents decodes the data lines of a server-sent event stream. limit <= 0
// reads until the stream ends.
func readEvents(r io.Reader, limit int, fn func(deliveryView, string) error) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	seen := 0
	for sc.Scan() {
		data, ok := strings.CutPrefix(sc.Text(), "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		var ev deliveryView
		if err := json.Unmarshal([]byte(data), &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(ev, data); err != nil {
			return err
		}
		if seen++; limit > 0 && seen >= limit {
			return nil
		}
	}
	return sc.Err()
}

func printEvent(w io.Writer, ev deliveryView) error {
	line := fmt.Sprintf("%s  %-10s %s %s attempt=%d",
		ev.Timestamp.Format(time.TimeOnly), ev.Status, ev.MessageID, ev.SubscriptionArn, ev.Attempt)
	if ev.Phase != "" {
		line += " phase=" + ev.Phase
	}
	if ev.Delay > 0 {
		line += " delay=" + ev.Delay.String()
	}
	if ev.Detail != "" {
		line += " (" + ev.Detail + ")"
	}
	_, err := fmt.Fprintln(w, line)
	return err
}
