package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/spf13/cobra"

	"github.com/rbaliyan/admit"
	"github.com/rbaliyan/admit/ingest"
)

func newSendCmd() *cobra.Command {
	var (
		natsURL    string
		subject    string
		codecName  string
		user       string
		command    string
		attachment string
		count      int
		timeout    time.Duration
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send events to a running admitd and print the receipts",
		Example: `  admitd send --user 42 --command "/imagine a fox"
  admitd send --user 42 --command hi --count 10`,
		RunE: func(cmd *cobra.Command, args []string) error {
			codec, err := ingest.CodecByName(codecName)
			if err != nil {
				return err
			}
			nc, err := nats.Connect(natsURL, nats.Name("admitd-send"))
			if err != nil {
				return err
			}
			defer nc.Close()

			out := json.NewEncoder(cmd.OutOrStdout())
			for range count {
				ev := admit.Event{
					ID:         admit.NewEventID(),
					UserID:     user,
					Command:    command,
					Attachment: attachment,
				}
				data, err := codec.Marshal(ev)
				if err != nil {
					return err
				}
				resp, err := nc.Request(subject, data, timeout)
				if err != nil {
					return fmt.Errorf("sending event %s: %w", ev.ID, err)
				}
				var r ingest.Receipt
				if err := codec.Unmarshal(resp.Data, &r); err != nil {
					return err
				}
				if err := out.Encode(r); err != nil {
					return err
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&natsURL, "nats", nats.DefaultURL, "NATS server URL")
	cmd.Flags().StringVar(&subject, "subject", "admit.events", "event subject")
	cmd.Flags().StringVar(&codecName, "codec", "json", "wire codec (json, msgpack)")
	cmd.Flags().StringVar(&user, "user", "", "user ID (required)")
	cmd.Flags().StringVar(&command, "command", "", "event command text")
	cmd.Flags().StringVar(&attachment, "attachment", "", "attachment kind, e.g. photo")
	cmd.Flags().IntVar(&count, "count", 1, "number of events to send")
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Second, "receipt timeout")
	cmd.MarkFlagRequired("user")

	return cmd
}
