package cmd

import (
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
)

func newPublishCmd(opts *globalOptions) *cobra.Command {
	var (
		topicArn, message, file string
		subject, structure      string
	)
	c := &cobra.Command{
		Use:   "publish",
		Short: "Publish a message to a topic",
		Example: `  snsbusctl publish --topic arn:snsbus:local:me:orders --message "order 42 shipped"
  snsbusctl publish --topic arn:snsbus:local:me:orders --structure json --file body.json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := readInput(message, file)
			if err != nil {
				return err
			}
			if len(body) == 0 {
				return fmt.Errorf("must provide either --message or --file")
			}

			ctx, cancel := opts.NewCommandContext(cmd.Context())
			defer cancel()

			var resp struct {
				MessageID string `json:"message_id"`
			}
			err = opts.client().call(ctx, http.MethodPost, "/v1/publish", map[string]string{
				"topic_arn":         topicArn,
				"message":           string(body),
				"subject":           subject,
				"message_structure": structure,
			}, &resp)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), resp)
			}
			fmt.Fprintln(cmd.OutOrStdout(), resp.MessageID)
			return nil
		},
	}
	c.Flags().StringVarP(&topicArn, "topic", "t", "", "topic ARN")
	c.Flags().StringVarP(&message, "message", "m", "", "message body")
	c.Flags().StringVarP(&file, "file", "f", "", "read the message body from a file, - for stdin")
	c.Flags().StringVar(&subject, "subject", "", "optional subject")
	c.Flags().StringVar(&structure, "structure", "", `"json" for a per-protocol message body`)
	c.MarkFlagRequired("topic")
	return c
}
