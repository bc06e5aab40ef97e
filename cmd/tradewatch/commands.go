package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/tradewatch/tradewatch/internal/config"
	"github.com/tradewatch/tradewatch/internal/history"
	"github.com/tradewatch/tradewatch/internal/rules"
)

// withApp loads config, opens the local database and runs fn.
func withApp(fn func(a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	a, err := openApp(cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// --- rules ---

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage alert rules",
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List alert rules",
	RunE: func(cmd *cobra.Command, args []string) error {
		enabledOnly, _ := cmd.Flags().GetBool("enabled")
		asJSON, _ := cmd.Flags().GetBool("json")
		return withApp(func(a *app) error {
			rs, err := a.rules.List(enabledOnly)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(rs)
			}
			if len(rs) == 0 {
				fmt.Fprintln(stdout, "No rules configured. Add one with: tradewatch rules add, or load the defaults with: tradewatch rules seed")
				return nil
			}
			printRules(rs)
			return nil
		})
	},
}

func printRules(rs []rules.Rule) {
	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPRIORITY\tCONDITION\tENABLED\tNAME")
	for _, r := range rs {
		enabled := "yes"
		if !r.Enabled {
			enabled = "no"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", r.ID, r.Priority, r.Condition, enabled, truncate(r.Name, 60))
	}
	tw.Flush()
}

var rulesShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a rule as JSON",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			r, err := a.rules.Get(args[0])
			if err != nil {
				return err
			}
			return printJSON(r)
		})
	},
}

var rulesAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add an alert rule",
	Long: `Add an alert rule that is evaluated on every monitoring cycle.

Examples:
  tradewatch rules add --id toys --name "Toy imports" \
    --query "Were there any shipments of HS 950300 into the US?" --condition data_found
  tradewatch rules add --id volume --name "Volume spike" --condition threshold_exceeded \
    --query "How many containers of HS 851712 arrived this week?" --threshold 100 --priority high
  tradewatch rules add --id sanctions --name "Sanctioned shippers" --condition keyword_match \
    --query "Which shippers sent HS 8542 goods?" --keyword acme --keyword globex --channel email`,
	RunE: func(cmd *cobra.Command, args []string) error {
		r, err := ruleFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			added, err := a.rules.Add(r)
			if err != nil {
				return err
			}
			printSuccess("Added rule %s (%s, %s)", added.ID, added.Condition, added.Priority)
			return nil
		})
	},
}

var rulesUpdateCmd = &cobra.Command{
	Use:   "update <id>",
	Short: "Change fields of an existing rule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		patch, err := patchFromFlags(cmd.Flags())
		if err != nil {
			return err
		}
		return withApp(func(a *app) error {
			updated, err := a.rules.Update(args[0], patch)
			if err != nil {
				return err
			}
			printSuccess("Updated rule %s", updated.ID)
			return nil
		})
	},
}

func setEnabledCmd(use, short string, enabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(a *app) error {
				if _, err := a.rules.SetEnabled(args[0], enabled); err != nil {
					return err
				}
				printSuccess("Rule %s %sd", args[0], use)
				return nil
			})
		},
	}
}

var rulesRemoveCmd = &cobra.Command{
	Use:     "remove <id>",
	Aliases: []string{"rm"},
	Short:   "Delete a rule",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			if err := a.rules.Remove(args[0]); err != nil {
				return err
			}
			printSuccess("Removed rule %s", args[0])
			return nil
		})
	},
}

var rulesImportCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Load rules from a YAML or JSON file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		replace, _ := cmd.Flags().GetBool("replace")
		return withApp(func(a *app) error {
			res, err := a.rules.Import(args[0], replace)
			if err != nil {
				return err
			}
			for _, e := range res.Skipped {
				printWarning("skipped: %v", e)
			}
			printSuccess("Imported %d new, %d replaced, %d skipped", len(res.Added), len(res.Updated), len(res.Skipped))
			return nil
		})
	},
}

var rulesExportCmd = &cobra.Command{
	Use:   "export <file>",
	Short: "Write all rules to a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			rs, err := a.rules.List(false)
			if err != nil {
				return err
			}
			if err := rules.SaveFile(args[0], rs); err != nil {
				return err
			}
			printSuccess("Exported %d rules to %s", len(rs), args[0])
			return nil
		})
	},
}

var rulesSeedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Add the built-in example rules (disabled)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(func(a *app) error {
			added, err := a.rules.Seed()
			if err != nil {
				return err
			}
			if len(added) == 0 {
				printStatus("Rules", "all example rules already present")
				return nil
			}
			printSuccess("Added %d example rules: %s", len(added), strings.Join(added, ", "))
			return nil
		})
	},
}

func addRuleFlags(fs *pflag.FlagSet) {
	fs.String("name", "", "human-readable rule name")
	fs.String("query", "", "question sent to the query oracle each cycle")
	fs.String("condition", string(rules.DataFound), "trigger condition: data_found, threshold_exceeded, keyword_match or anomaly")
	fs.StringArray("keyword", nil, "keyword for keyword_match rules (repeatable)")
	fs.Float64("threshold", 0, "threshold for threshold_exceeded rules")
	fs.String("threshold-field", "", "fact compared against the threshold (count or value)")
	fs.String("priority", string(rules.Medium), "priority: low, medium, high or critical")
	fs.Duration("cooldown", 0, "minimum time between two firings (default monitor.cooldown)")
	fs.StringToString("filter", nil, "retrieval filter, e.g. hs_code=950300 (repeatable)")
	fs.StringArray("channel", nil, "notification channel: email or chat (repeatable, default all)")
}

// ruleFromFlags builds a new rule. Validation happens in the store.
func ruleFromFlags(fs *pflag.FlagSet) (rules.Rule, error) {
	id, _ := fs.GetString("id")
	name, _ := fs.GetString("name")
	query, _ := fs.GetString("query")
	if id == "" || name == "" || query == "" {
		return rules.Rule{}, errors.New("--id, --name and --query are required")
	}
	cond, _ := fs.GetString("condition")
	keywords, _ := fs.GetStringArray("keyword")
	field, _ := fs.GetString("threshold-field")
	priority, _ := fs.GetString("priority")
	cooldown, _ := fs.GetDuration("cooldown")
	filters, _ := fs.GetStringToString("filter")
	channels, _ := fs.GetStringArray("channel")
	disabled, _ := fs.GetBool("disabled")

	r := rules.Rule{
		ID:             id,
		Name:           name,
		Query:          query,
		Condition:      rules.Condition(cond),
		Keywords:       keywords,
		ThresholdField: field,
		Enabled:        !disabled,
		Priority:       rules.Priority(priority),
		Cooldown:       rules.Duration(cooldown),
		Filters:        filters,
		Channels:       toChannels(channels),
	}
	if fs.Changed("threshold") {
		v, _ := fs.GetFloat64("threshold")
		r.Threshold = &v
	}
	return r, nil
}

// patchFromFlags includes only the flags that were set.
func patchFromFlags(fs *pflag.FlagSet) (rules.Patch, error) {
	var p rules.Patch
	n := 0
	if fs.Changed("name") {
		v, _ := fs.GetString("name")
		p.Name = &v
		n++
	}
	if fs.Changed("query") {
		v, _ := fs.GetString("query")
		p.Query = &v
		n++
	}
	if fs.Changed("condition") {
		v, _ := fs.GetString("condition")
		c := rules.Condition(v)
		p.Condition = &c
		n++
	}
	if fs.Changed("keyword") {
		v, _ := fs.GetStringArray("keyword")
		p.Keywords = &v
		n++
	}
	if fs.Changed("threshold") {
		v, _ := fs.GetFloat64("threshold")
		p.Threshold = &v
		n++
	}
	if fs.Changed("clear-threshold") {
		p.ClearThreshold, _ = fs.GetBool("clear-threshold")
		n++
	}
	if fs.Changed("threshold-field") {
		v, _ := fs.GetString("threshold-field")
		p.ThresholdField = &v
		n++
	}
	if fs.Changed("priority") {
		v, _ := fs.GetString("priority")
		pr := rules.Priority(v)
		p.Priority = &pr
		n++
	}
	if fs.Changed("cooldown") {
		v, _ := fs.GetDuration("cooldown")
		d := rules.Duration(v)
		p.Cooldown = &d
		n++
	}
	if fs.Changed("filter") {
		v, _ := fs.GetStringToString("filter")
		p.Filters = &v
		n++
	}
	if fs.Changed("channel") {
		v, _ := fs.GetStringArray("channel")
		ch := toChannels(v)
		p.Channels = &ch
		n++
	}
	if n == 0 {
		return p, errors.New("nothing to update: pass at least one field flag")
	}
	return p, nil
}

func toChannels(names []string) []rules.Channel {
	if len(names) == 0 {
		return nil
	}
	out := make([]rules.Channel, len(names))
	for i, n := range names {
		out[i] = rules.Channel(strings.ToLower(strings.TrimSpace(n)))
	}
	return out
}

func init() {
	rulesListCmd.Flags().Bool("enabled", false, "only list enabled rules")
	rulesListCmd.Flags().Bool("json", false, "print rules as JSON")

	rulesAddCmd.Flags().String("id", "", "unique rule ID")
	addRuleFlags(rulesAddCmd.Flags())
	rulesAddCmd.Flags().Bool("disabled", false, "create the rule disabled")

	addRuleFlags(rulesUpdateCmd.Flags())
	rulesUpdateCmd.Flags().Bool("clear-threshold", false, "remove the rule's threshold")

	rulesImportCmd.Flags().Bool("replace", false, "overwrite rules that already exist")

	rulesCmd.AddCommand(rulesListCmd)
	rulesCmd.AddCommand(rulesShowCmd)
	rulesCmd.AddCommand(rulesAddCmd)
	rulesCmd.AddCommand(rulesUpdateCmd)
	rulesCmd.AddCommand(setEnabledCmd("enable", "Enable a rule", true))
	rulesCmd.AddCommand(setEnabledCmd("disable", "Disable a rule", false))
	rulesCmd.AddCommand(rulesRemoveCmd)
	rulesCmd.AddCommand(rulesImportCmd)
	rulesCmd.AddCommand(rulesExportCmd)
	rulesCmd.AddCommand(rulesSeedCmd)
}

// --- alerts ---

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Inspect the alert history",
}

var alertsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent rule evaluations, newest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		ruleID, _ := cmd.Flags().GetString("rule")
		fired, _ := cmd.Flags().GetBool("fired")
		since, _ := cmd.Flags().GetDuration("since")
		limit, _ := cmd.Flags().GetInt("limit")
		asJSON, _ := cmd.Flags().GetBool("json")

		q := history.Query{RuleID: ruleID, FiredOnly: fired, Limit: limit}
		if since > 0 {
			q.Since = time.Now().Add(-since)
		}
		return withApp(func(a *app) error {
			events, err := a.history.List(q)
			if err != nil {
				return err
			}
			if asJSON {
				if events == nil {
					events = []history.Event{}
				}
				return printJSON(events)
			}
			if len(events) == 0 {
				fmt.Fprintln(stdout, "No alerts found.")
				return nil
			}
			printEvents(events)
			return nil
		})
	},
}

func printEvents(events []history.Event) {
	for _, e := range events {
		mark := colorize(colorBold, "·")
		if e.Fired {
			mark = colorize(colorRed, "●")
		}
		fmt.Fprintf(stdout, "%s %s  %s  %s\n",
			mark,
			e.Timestamp.Local().Format("2006-01-02 15:04"),
			colorize(colorCyan, e.RuleID),
			e.Reason,
		)
		if e.Fired {
			fmt.Fprintf(stdout, "    %s\n", truncate(strings.Join(strings.Fields(e.AnswerReceived), " "), 160))
		}
	}
}

func init() {
	alertsListCmd.Flags().String("rule", "", "only alerts for this rule ID")
	alertsListCmd.Flags().Bool("fired", false, "only alerts that fired")
	alertsListCmd.Flags().Duration("since", 0, "only alerts newer than this, e.g. 24h")
	alertsListCmd.Flags().Int("limit", 20, "maximum number of alerts")
	alertsListCmd.Flags().Bool("json", false, "print alerts as JSON")
	alertsCmd.AddCommand(alertsListCmd)
}

// --- ask ---

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask the query oracle a question about ingested trade data",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		question := strings.Join(args, " ")
		hsCode, _ := cmd.Flags().GetString("hs-code")
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

		var filters map[string]string
		if hsCode != "" {
			filters = map[string]string{"hs_code": hsCode}
		}
		resp, err := a.newOracle().Ask(cmd.Context(), question, filters)
		if err != nil {
			return err
		}
		if asJSON {
			if resp.Citations == nil {
				resp.Citations = []string{}
			}
			return printJSON(resp)
		}

		fmt.Fprintln(stdout, resp.Answer)
		if resp.IsAnomalous {
			fmt.Fprintln(stdout)
			fmt.Fprintln(stdout, colorize(colorYellow, "⚠ The answer describes an anomaly."))
		}
		if len(resp.Citations) > 0 {
			fmt.Fprintf(stdout, "\n%s\n", colorize(colorBold, fmt.Sprintf("Sources (%d):", len(resp.Citations))))
			for _, c := range resp.Citations {
				fmt.Fprintf(stdout, "  %s\n", c)
			}
		}
		return nil
	},
}

func init() {
	askCmd.Flags().String("hs-code", "", "restrict retrieval to a 6-digit HS code")
	askCmd.Flags().Bool("json", false, "print the full response as JSON")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show or update configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		for _, k := range config.ShowAll(cfg) {
			fmt.Fprintf(stdout, "  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		printStatus("Config file", "%s", config.ConfigFilePath())
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value (empty value resets it)",
	Long:  "Set a configuration value. Valid keys:\n  " + strings.Join(config.ValidKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if err := config.SetKey(key, value); err != nil {
			return err
		}
		if value == "" {
			printSuccess("Reset %s to its default", key)
			return nil
		}
		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

var configSetSecretCmd = &cobra.Command{
	Use:   "set-secret <key> <value>",
	Short: "Store an API key or password in the secrets file",
	Long:  "Store a secret. Valid keys:\n  " + strings.Join(config.SecretKeys(), "\n  "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := config.SetSecret(args[0], args[1]); err != nil {
			return err
		}
		printSuccess("Stored %s in %s", args[0], config.SecretsFilePath())
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configSetSecretCmd)
}
