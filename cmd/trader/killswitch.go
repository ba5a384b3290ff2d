package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/user"
	"time"

	"github.com/spf13/cobra"

	"tradecore/internal/alert"
	"tradecore/internal/codec"
	"tradecore/internal/risk"
	"tradecore/internal/schema"
	"tradecore/internal/store"
)

func killSwitchCmd() *cobra.Command {
	var (
		addr string
		by   string
	)
	cmd := &cobra.Command{
		Use:   "kill-switch",
		Short: "Inspect, engage or reset the kill switch",
		Long: `Without --addr the commands act on the configured store and take effect when the trader
next starts. With --addr they are sent to a running trader's ops server.`,
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", "", "Ops server of a running trader, e.g. http://localhost:9090")
	cmd.PersistentFlags().StringVar(&by, "by", currentUser(), "Operator recorded with the change")

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Print the persisted kill switch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withGovernor(cmd.Context(), func(ctx context.Context, gov *risk.Governor) error {
				ks := gov.KillSwitch()
				state := "released"
				if ks.Engaged {
					state = "ENGAGED"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s by %q at %s: %s\n", state, ks.By, ks.At.Format(time.RFC3339), ks.Reason)
				return nil
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "engage <reason>",
		Short: "Halt new entries until an explicit reset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				return postCommand(cmd.Context(), addr+"/kill-switch/engage", map[string]string{"reason": args[0], "by": by})
			}
			return withGovernor(cmd.Context(), func(ctx context.Context, gov *risk.Governor) error {
				return gov.EngageKillSwitch(ctx, args[0], by, time.Now())
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "reset",
		Short: "Clear the kill switch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if addr != "" {
				return postCommand(cmd.Context(), addr+"/kill-switch/reset", map[string]string{"by": by})
			}
			return withGovernor(cmd.Context(), func(ctx context.Context, gov *risk.Governor) error {
				return gov.ResetKillSwitch(ctx, by, time.Now())
			})
		},
	})
	return cmd
}

// withGovernor loads the kill switch from the configured store into a governor.
func withGovernor(ctx context.Context, fn func(context.Context, *risk.Governor) error) error {
	loaded, err := loadConfig()
	if err != nil {
		return err
	}
	if loaded.Store.Driver == "" || loaded.Store.Driver == "memory" {
		return fmt.Errorf("the memory store does not outlive a process, use --addr")
	}
	st, err := store.Open(loaded.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	gov, err := risk.NewGovernor(ctx, loaded.Risk, st, alert.LogSink{}, schema.RandomIDs{})
	if err != nil {
		return err
	}
	return fn(ctx, gov)
}

func postCommand(ctx context.Context, url string, body map[string]string) error {
	payload, err := codec.Marshal(body)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("send command: %w", err)
	}
	defer resp.Body.Close()
	reply, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("%s: %s", resp.Status, bytes.TrimSpace(reply))
	}
	fmt.Fprintln(os.Stdout, "queued")
	return nil
}

func currentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "operator"
}
