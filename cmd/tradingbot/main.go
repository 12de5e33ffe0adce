// Command tradingbot runs the trading core and its operator utilities.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"crypto-trading-core/config"
	"crypto-trading-core/internal/bot"
	"crypto-trading-core/internal/execution"
	"crypto-trading-core/internal/safety"
	"crypto-trading-core/internal/statestore"
)

func main() {
	root := &cobra.Command{
		Use:           "tradingbot",
		Short:         "Real-time crypto trading core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(startCmd(), statusCmd(), killswitchCmd(), reconcileCmd(), backtestCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func startCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the trading pipeline",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			b, err := bot.New(cfg)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return b.Run(ctx)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Query the running bot's health endpoint",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			client := &http.Client{Timeout: 5 * time.Second}
			resp, err := client.Get(fmt.Sprintf("http://localhost:%d/healthz", cfg.APIPort))
			if err != nil {
				return fmt.Errorf("bot not reachable on port %d: %w", cfg.APIPort, err)
			}
			defer resp.Body.Close()

			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			os.Stdout.Write(body)
			fmt.Println()

			if resp.StatusCode != http.StatusOK {
				return fmt.Errorf("bot reports degraded health (%d)", resp.StatusCode)
			}
			return nil
		},
	}
}

func killswitchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:       "killswitch [on|off|status]",
		Short:     "Inspect or flip the order-path kill switch",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{"on", "off", "status"},
		RunE: func(_ *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ks := safety.NewKillSwitch(cfg.KillSwitchPath, cfg.KillSwitchLogPath)

			switch args[0] {
			case "on":
				if err := ks.Activate("operator via CLI"); err != nil {
					return err
				}
				fmt.Println("kill switch ON, all order submission halted")
			case "off":
				if err := ks.Deactivate(); err != nil {
					return err
				}
				fmt.Println("kill switch OFF")
			case "status":
				if info, on := ks.Info(); on {
					fmt.Printf("kill switch ON since %s (pid %d): %s\n",
						info.ActivatedAt.Format(time.RFC3339), info.PID, info.Reason)
				} else {
					fmt.Println("kill switch OFF")
				}
			default:
				return fmt.Errorf("unknown argument %q", args[0])
			}
			return nil
		},
	}
	return cmd
}

// reconcileCmd cross-checks the durable stores offline: the state
// snapshot's position against the net position implied by the journal's
// filled orders.
func reconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Cross-check the state snapshot against the trade journal",
		RunE: func(*cobra.Command, []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}

			st, err := statestore.Open(cfg.StatePath())
			if err != nil {
				return fmt.Errorf("state snapshot: %w", err)
			}
			journal, err := execution.NewJournal(cfg.JournalPath())
			if err != nil {
				return fmt.Errorf("trade journal: %w", err)
			}
			defer journal.Close()

			orders, err := journal.RecentOrders(1000)
			if err != nil {
				return err
			}

			var journaled float64
			for _, o := range orders {
				if o.Status != "FILLED" {
					continue
				}
				if o.Side == "BUY" {
					journaled += o.Qty
				} else {
					journaled -= o.Qty
				}
			}

			snap := st.Get()
			drift := math.Abs(snap.Position - journaled)
			out, _ := json.MarshalIndent(map[string]any{
				"state_position":   snap.Position,
				"journal_position": journaled,
				"drift_units":      drift,
				"balance":          snap.Balance,
				"daily_pnl":        snap.DailyPnL,
				"snapshot_at":      snap.Timestamp,
			}, "", "  ")
			fmt.Println(string(out))

			if drift > 1e-9 {
				return fmt.Errorf("position drift of %.8f units between state and journal", drift)
			}
			fmt.Println("books consistent")
			return nil
		},
	}
}
