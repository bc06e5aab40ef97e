package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/tradewatch/tradewatch/internal/config"
	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/monitor"
	"github.com/tradewatch/tradewatch/internal/rules"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Evaluate alert rules",
}

var monitorRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one monitoring cycle now",
	Long: `Run one monitoring cycle against the local database and exit.

Every enabled rule is sent to the query oracle; rules whose trigger condition
holds and whose cooldown has elapsed fire and are delivered to the configured
notification channels. The exit status is 0 whether or not anything fired, so
the command can be run from cron.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		only, _ := cmd.Flags().GetStringArray("rule")
		asJSON, _ := cmd.Flags().GetBool("json")

		cfg, err := config.LoadForOracle()
		if err != nil {
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.loadRulesFile(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		ctx, cancel := context.WithTimeout(ctx, a.cycleTimeout())
		defer cancel()

		dispatcher := a.newDispatcher()
		engine := a.newEngine(a.newOracle(), dispatcher)

		var (
			events   []history.Event
			cycleErr error
		)
		if len(only) > 0 {
			rs, err := selectRules(a.rules, only)
			if err != nil {
				return err
			}
			events, cycleErr = engine.EvaluateAll(ctx, rs, time.Now())
		} else {
			events, cycleErr = engine.RunCycle(ctx, a.rules)
		}
		if dispatcher != nil {
			dispatcher.Wait()
		}

		if asJSON {
			if err := printJSON(cycleReport(events, cycleErr)); err != nil {
				return err
			}
		} else {
			printCycle(events)
		}
		return cycleErr
	},
}

// selectRules loads the named rules, failing on the first unknown ID. Named
// rules are evaluated even when disabled.
func selectRules(store *rules.Store, ids []string) ([]rules.Rule, error) {
	out := make([]rules.Rule, 0, len(ids))
	for _, id := range ids {
		r, err := store.Get(id)
		if err != nil {
			return nil, err
		}
		r.Enabled = true
		out = append(out, r)
	}
	return out, nil
}

type cycleSummary struct {
	Evaluated int             `json:"evaluated"`
	Fired     int             `json:"fired"`
	Events    []history.Event `json:"events"`
	Error     string          `json:"error,omitempty"`
}

func cycleReport(events []history.Event, err error) cycleSummary {
	s := cycleSummary{Evaluated: len(events), Events: events}
	if s.Events == nil {
		s.Events = []history.Event{}
	}
	for _, e := range events {
		if e.Fired {
			s.Fired++
		}
	}
	if err != nil {
		s.Error = err.Error()
	}
	return s
}

func printCycle(events []history.Event) {
	s := cycleReport(events, nil)
	if s.Evaluated == 0 {
		printWarning("No enabled rules to evaluate")
		return
	}
	printEvents(events)
	if s.Fired > 0 {
		printSuccess("Evaluated %d rules, %s", s.Evaluated, colorize(colorRed, fmt.Sprintf("%d fired", s.Fired)))
		return
	}
	printSuccess("Evaluated %d rules, none fired", s.Evaluated)
}

var monitorDaemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run monitoring cycles on monitor.schedule until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		runNow, _ := cmd.Flags().GetBool("now")

		cfg, err := config.LoadForOracle()
		if err != nil {
			return err
		}
		a, err := openApp(cfg)
		if err != nil {
			return err
		}
		defer a.Close()
		if err := a.loadRulesFile(); err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		dispatcher := a.newDispatcher()
		engine := a.newEngine(a.newOracle(), dispatcher)
		sched, err := monitor.NewScheduler(engine, a.rules, monitor.SchedulerConfig{
			Schedule:     cfg.Monitor.Schedule,
			CycleTimeout: a.cycleTimeout(),
			Logger:       a.logger.With("component", "scheduler"),
		})
		if err != nil {
			return err
		}

		if runNow {
			if err := sched.RunNow(ctx); err != nil {
				printError("initial cycle: %v", err)
			}
		}
		if err := sched.Start(); err != nil {
			return err
		}
		printStep("Monitoring on %q, next cycle at %s", cfg.Monitor.Schedule, sched.Next().Local().Format(time.RFC1123))

		<-ctx.Done()
		fmt.Fprintln(os.Stderr, "shutting down...")
		sched.Stop()
		if dispatcher != nil {
			dispatcher.Wait()
		}
		return nil
	},
}

var monitorTriggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Ask the running server to run a monitoring cycle now",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}
		return triggerCycle(cmd.Context(), client)
	},
}

func triggerCycle(ctx context.Context, client *apiClient) error {
	resp, err := client.post(ctx, "/monitor/run", nil)
	if err != nil {
		return err
	}
	var sum cycleSummary
	if err := decodeJSON(resp, &sum); err != nil {
		return err
	}
	printCycle(sum.Events)
	if sum.Error != "" {
		printWarning("cycle reported errors: %s", sum.Error)
	}
	return nil
}

func init() {
	monitorRunCmd.Flags().StringArray("rule", nil, "evaluate only this rule ID (repeatable)")
	monitorRunCmd.Flags().Bool("json", false, "print the cycle summary as JSON")
	monitorDaemonCmd.Flags().Bool("now", false, "run a cycle immediately before waiting for the schedule")

	monitorCmd.AddCommand(monitorRunCmd)
	monitorCmd.AddCommand(monitorDaemonCmd)
	monitorCmd.AddCommand(monitorTriggerCmd)
}
