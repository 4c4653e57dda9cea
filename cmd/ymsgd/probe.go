package main

import (
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/danmuck/ymsgd/internal/client"
	"github.com/danmuck/ymsgd/internal/logging"
	"github.com/danmuck/ymsgd/internal/protocol/schema"
	"github.com/spf13/cobra"
)

func probeCmd() *cobra.Command {
	cfg := client.DefaultConfig()
	var sessionID uint32

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Send VERIFY and PING to a running gateway and print the replies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			logging.ConfigureRuntime()
			prober, err := client.NewProber(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			results, err := prober.Probe(ctx, sessionID)
			out := cmd.OutOrStdout()
			for _, r := range results {
				fmt.Fprintf(out, "%-8s status=0x%08x session=%d fields=%d rtt=%s\n",
					schema.ServiceName(r.Service),
					r.Reply.Status,
					r.Reply.SessionID,
					r.Reply.Fields.Len(),
					r.RTT.Round(time.Microsecond),
				)
			}
			return err
		},
	}

	cmd.Flags().StringVarP(&cfg.Address, "addr", "a", "127.0.0.1:5050", "gateway address")
	cmd.Flags().Uint32Var(&sessionID, "session", 1, "session id to send")
	cmd.Flags().IntVar(&cfg.MaxConnectAttempts, "attempts", cfg.MaxConnectAttempts, "dial attempts, 0 retries forever")
	cmd.Flags().DurationVar(&cfg.ReplyTimeout, "timeout", cfg.ReplyTimeout, "per-reply timeout")
	return cmd
}
