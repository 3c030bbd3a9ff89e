package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	grpcapi "github.com/alexnthnz/tutoring-automation/api/grpc"
	"github.com/alexnthnz/tutoring-automation/internal/automation"
)

var Version = "dev"

type globalFlags struct {
	addr    string
	timeout time.Duration
	json    bool
}

func main() {
	flags := &globalFlags{}
	rootCmd := &cobra.Command{
		Use:           "automationctl",
		Short:         "Operate the tutoring automation service",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&flags.addr, "addr", envOr("AUTOMATION_GRPC_ADDR", "localhost:9090"), "gRPC address of the automation API")
	rootCmd.PersistentFlags().DurationVar(&flags.timeout, "timeout", 60*time.Second, "Request timeout")
	rootCmd.PersistentFlags().BoolVarP(&flags.json, "json", "j", false, "Output as JSON")

	// Add subcommands
	rootCmd.AddCommand(triggerCmd(flags))
	rootCmd.AddCommand(resendCmd(flags))
	rootCmd.AddCommand(resendFailedCmd(flags))
	rootCmd.AddCommand(historyCmd(flags))
	rootCmd.AddCommand(statsCmd(flags))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withClient dials the API and runs fn under the request timeout
func withClient(flags *globalFlags, fn func(ctx context.Context, c *grpcapi.Client) error) error {
	client, err := grpcapi.Dial(flags.addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", flags.addr, err)
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), flags.timeout)
	defer cancel()
	return fn(ctx, client)
}

func triggerCmd(flags *globalFlags) *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "trigger -f event.json",
		Short: "Fire a trigger event",
		RunE: func(cmd *cobra.Command, args []string) error {
			trigger, err := readTrigger(file, cmd.InOrStdin())
			if err != nil {
				return err
			}
			return withClient(flags, func(ctx context.Context, c *grpcapi.Client) error {
				resp, err := c.FireTrigger(ctx, trigger)
				if err != nil {
					return err
				}
				if flags.json {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				out := cmd.OutOrStdout()
				if resp.Queued {
					fmt.Fprintf(out, "Trigger %s queued\n", resp.TriggerID)
					return nil
				}
				r := resp.Result
				fmt.Fprintf(out, "Run %s: %s\n", r.RunID, r.Status)
				fmt.Fprintf(out, "  dispatched %d, deferred %d, duplicates %d\n", r.Dispatched, r.Deferred, r.Duplicates)
				fmt.Fprintf(out, "  sent %d, failed %d\n", r.Sent, r.Failed)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Trigger event JSON file (- for stdin)")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func readTrigger(path string, stdin io.Reader) (automation.Trigger, error) {
	var trigger automation.Trigger
	var data []byte
	var err error
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return trigger, fmt.Errorf("failed to read trigger: %w", err)
	}
	if err := json.Unmarshal(data, &trigger); err != nil {
		return trigger, fmt.Errorf("failed to parse trigger: %w", err)
	}
	return trigger, nil
}

func resendCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resend [record-id]",
		Short: "Resend one failed delivery record",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, c *grpcapi.Client) error {
				res, err := c.Resend(ctx, args[0])
				if err != nil {
					return err
				}
				if flags.json {
					return printJSON(cmd.OutOrStdout(), res)
				}
				out := cmd.OutOrStdout()
				if !res.Created {
					fmt.Fprintf(out, "Record %s not resent (status %s)\n", args[0], res.Original.Status)
					return nil
				}
				fmt.Fprintf(out, "Resent as %s: %s\n", res.Resend.ID, res.Resend.Status)
				if res.Resend.ErrorMessage != "" {
					fmt.Fprintf(out, "  error: %s\n", res.Resend.ErrorMessage)
				}
				return nil
			})
		},
	}
}

func resendFailedCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resend-failed",
		Short: "Resend every failed delivery",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, c *grpcapi.Client) error {
				res, err := c.ResendAllFailed(ctx)
				if err != nil {
					return err
				}
				if flags.json {
					return printJSON(cmd.OutOrStdout(), res)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Processed %d: sent %d, failed %d, skipped %d\n",
					res.Processed, res.Sent, res.Failed, res.Skipped)
				return nil
			})
		},
	}
}

func historyCmd(flags *globalFlags) *cobra.Command {
	var req grpcapi.ListRecordsRequest
	var channel, status string
	var flagged bool

	cmd := &cobra.Command{
		Use:   "history",
		Short: "List delivery records, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Channel = automation.Channel(channel)
			req.Status = automation.DeliveryStatus(status)
			if cmd.Flags().Changed("flagged") {
				req.Flagged = &flagged
			}
			return withClient(flags, func(ctx context.Context, c *grpcapi.Client) error {
				resp, err := c.ListRecords(ctx, req)
				if err != nil {
					return err
				}
				if flags.json {
					return printJSON(cmd.OutOrStdout(), resp)
				}
				printRecords(cmd.OutOrStdout(), resp)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&req.RuleID, "rule", "", "Filter by rule id")
	cmd.Flags().StringVar(&req.RecipientID, "recipient", "", "Filter by recipient id")
	cmd.Flags().StringVarP(&channel, "channel", "c", "", "Filter by channel (email, push, sms, chat)")
	cmd.Flags().StringVarP(&status, "status", "s", "", "Filter by status (pending, sent, delivered, failed)")
	cmd.Flags().BoolVar(&flagged, "flagged", false, "Filter by follow-up flag")
	cmd.Flags().IntVarP(&req.Limit, "limit", "n", 20, "Maximum results")
	cmd.Flags().IntVar(&req.Offset, "offset", 0, "Results to skip")

	return cmd
}

func printRecords(out io.Writer, resp *grpcapi.ListRecordsResponse) {
	if len(resp.Records) == 0 {
		fmt.Fprintln(out, "No records")
		return
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tRULE\tRECIPIENT\tCHANNEL\tSTATUS\tSENT AT\tNOTE")
	for _, rec := range resp.Records {
		sentAt := "-"
		if !rec.SentAt.IsZero() {
			sentAt = rec.SentAt.Local().Format(time.DateTime)
		}
		var note []string
		if rec.ResendOf != "" {
			note = append(note, "resend of "+rec.ResendOf)
		}
		if rec.Flagged {
			note = append(note, "flagged")
		}
		if rec.ErrorMessage != "" {
			note = append(note, rec.ErrorMessage)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.RuleID, rec.RecipientID, rec.Channel, rec.Status, sentAt, strings.Join(note, "; "))
	}
	w.Flush()
	fmt.Fprintf(out, "\n%d of %d records\n", len(resp.Records), resp.Total)
}

func statsCmd(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show delivery statistics",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(flags, func(ctx context.Context, c *grpcapi.Client) error {
				stats, err := c.Stats(ctx)
				if err != nil {
					return err
				}
				if flags.json {
					return printJSON(cmd.OutOrStdout(), stats)
				}
				printStats(cmd.OutOrStdout(), stats)
				return nil
			})
		},
	}
}

func printStats(out io.Writer, stats *automation.Stats) {
	fmt.Fprintln(out, "Delivery Statistics")
	fmt.Fprintln(out, strings.Repeat("=", 40))
	fmt.Fprintf(out, "  %-12s %d\n", "Records:", stats.TotalRecords)
	fmt.Fprintf(out, "  %-12s %d\n", "Sent:", stats.TotalSent)
	fmt.Fprintf(out, "  %-12s %d\n", "Delivered:", stats.TotalDelivered)
	fmt.Fprintf(out, "  %-12s %d\n", "Failed:", stats.TotalFailed)
	fmt.Fprintf(out, "  %-12s %d\n", "Resends:", stats.Resends)
	fmt.Fprintf(out, "  %-12s %d\n", "Flagged:", stats.Flagged)

	if len(stats.Channels) == 0 {
		return
	}
	channels := make([]string, 0, len(stats.Channels))
	for ch := range stats.Channels {
		channels = append(channels, string(ch))
	}
	sort.Strings(channels)

	fmt.Fprintln(out, "\nBy channel:")
	for _, ch := range channels {
		s := stats.Channels[automation.Channel(ch)]
		fmt.Fprintf(out, "  %-8s total %d, success %.1f%%, delivery %.1f%%\n",
			ch+":", s.Total, s.SuccessRate*100, s.DeliveryRate*100)
	}
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
