package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ananta888/ananta/internal/capability"
	"github.com/ananta888/ananta/internal/connectors"
	"github.com/ananta888/ananta/internal/goalcache"
	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/modelpool"
	"github.com/ananta888/ananta/internal/toolroute"
)

var readModelCmd = &cobra.Command{
	Use:   "readmodel",
	Short: "Show the orchestration read-model",
	RunE:  runReadModel,
}

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "Inspect the tool capability contract",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tools and whether the caller may use them",
	RunE:  runToolsList,
}

var toolsRouteCmd = &cobra.Command{
	Use:   "route [description]",
	Short: "Show which tools the worker would offer the model for a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsRoute,
}

var toolsValidateCmd = &cobra.Command{
	Use:   "validate [tool-calls-json]",
	Short: "Validate tool calls without executing them",
	Args:  cobra.ExactArgs(1),
	RunE:  runToolsValidate,
}

var cacheCmd = &cobra.Command{
	Use:   "cache",
	Short: "Inspect the goal cache",
}

var cacheStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show goal cache statistics",
	RunE:  runCacheStats,
}

var poolCmd = &cobra.Command{
	Use:   "pool",
	Short: "Inspect the model pool",
}

var poolStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show model pool slots and waiters",
	RunE:  runPoolStatus,
}

var jsonOutput bool

func init() {
	toolsCmd.AddCommand(toolsListCmd, toolsRouteCmd, toolsValidateCmd)
	cacheCmd.AddCommand(cacheStatsCmd)
	poolCmd.AddCommand(poolStatusCmd)

	readModelCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print raw JSON")
}

func runReadModel(cmd *cobra.Command, args []string) error {
	data, err := apiGet("/orchestration/read-model")
	if err != nil {
		return err
	}
	if jsonOutput {
		fmt.Println(string(data))
		return nil
	}

	var rm models.ReadModel
	if err := json.Unmarshal(data, &rm); err != nil {
		return err
	}

	fmt.Println(bold("Queue"))
	for _, st := range []models.TaskStatus{
		models.TaskStatusTodo,
		models.TaskStatusInProgress,
		models.TaskStatusCompleted,
		models.TaskStatusFailed,
	} {
		fmt.Printf("  %-24s %d\n", colorStatus(st), rm.Queue[st])
	}
	fmt.Printf("  %-24s %d\n", "active leases", rm.ActiveLeases)

	fmt.Println(bold("\nBy source"))
	printCounts(rm.BySource)
	fmt.Println(bold("\nBy agent"))
	printCounts(rm.ByAgent)

	if len(rm.RecentTasks) > 0 {
		fmt.Println(bold("\nRecent"))
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		for _, t := range rm.RecentTasks {
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.UpdatedAt.Format("2006-01-02 15:04"), t.ID, truncate(t.Title, 40), colorStatus(t.Status))
		}
		w.Flush()
	}
	return nil
}

func printCounts(counts map[string]int) {
	if len(counts) == 0 {
		fmt.Println(gray("  none"))
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Printf("  %-24s %d\n", k, counts[k])
	}
}

func runToolsList(cmd *cobra.Command, args []string) error {
	var desc capability.Description
	if err := apiGetJSON("/tools/capabilities", &desc); err != nil {
		return err
	}

	fmt.Printf("Admin: %v\n\n", desc.IsAdmin)
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TOOL\tCATEGORY\tADMIN\tALLOWED\tDESCRIPTION")
	for _, t := range desc.Tools {
		allowed := red("no")
		if t.AllowedNow {
			allowed = green("yes")
		}
		fmt.Fprintf(w, "%s\t%s\t%v\t%s\t%s\n", t.Tool, t.Category, t.RequiresAdmin, allowed, truncate(t.Description, 50))
	}
	w.Flush()
	return nil
}

// runToolsRoute routes locally from the node config; it does not need a
// running node.
func runToolsRoute(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	allowed := capability.SortedNames(capability.NewRegistry(cfg.Tools.Policy()).Allowed(true))
	result := toolroute.New(cfg.Tools.Routing).Route("", args[0], allowed)

	if len(result.MatchedRules) == 0 {
		fmt.Println(gray("No rule matched, using fallback"))
	}
	for _, rule := range result.MatchedRules {
		fmt.Printf("Rule:  %s\n", rule)
	}
	fmt.Printf("Tools: %d of %d candidates\n", len(result.Tools), result.Candidates)
	for _, name := range result.Tools {
		fmt.Printf("  %s\n", name)
	}
	return nil
}

func runToolsValidate(cmd *cobra.Command, args []string) error {
	var calls []json.RawMessage
	if err := json.Unmarshal([]byte(args[0]), &calls); err != nil {
		return fmt.Errorf("tool calls must be a JSON array: %w", err)
	}

	var out connectors.Outcome
	if err := apiPostJSON("/tools/validate", map[string]any{"tool_calls": calls}, &out); err != nil {
		return err
	}
	printOutcome(&out)
	return nil
}

func printOutcome(o *connectors.Outcome) {
	if o.Allowed {
		fmt.Println(green("Allowed"))
	} else {
		fmt.Println(red("Blocked"))
	}
	for _, name := range o.Blocked {
		fmt.Printf("  %s: %s\n", name, o.Reasons[name])
	}
	for _, reason := range o.BlockedReasons {
		fmt.Printf("  guardrail: %s\n", reason)
	}
	for _, r := range o.Results {
		fmt.Printf("  %s exit=%d\n", r.Tool, r.ExitCode)
		if r.Stdout != "" {
			fmt.Println(gray(truncate(r.Stdout, 200)))
		}
	}
}

func runCacheStats(cmd *cobra.Command, args []string) error {
	var stats goalcache.Stats
	if err := apiGetJSON("/goal-cache/stats", &stats); err != nil {
		return err
	}

	fmt.Printf("Size:        %d / %d\n", stats.Size, stats.MaxSize)
	fmt.Printf("Hits:        %d\n", stats.Hits)
	fmt.Printf("Misses:      %d\n", stats.Misses)
	fmt.Printf("Similarity:  %d\n", stats.SimilarityMatches)
	fmt.Printf("Evictions:   %d\n", stats.Evictions)
	fmt.Printf("Hit rate:    %.1f%%\n", stats.HitRate*100)
	return nil
}

func runPoolStatus(cmd *cobra.Command, args []string) error {
	var status map[string]map[string]modelpool.EntryStatus
	if err := apiGetJSON("/model-pool/status", &status); err != nil {
		return err
	}

	if len(status) == 0 {
		fmt.Println("No model slots in use")
		return nil
	}

	providers := make([]string, 0, len(status))
	for p := range status {
		providers = append(providers, p)
	}
	sort.Strings(providers)

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tIN USE\tLIMIT\tWAITERS")
	for _, p := range providers {
		names := make([]string, 0, len(status[p]))
		for m := range status[p] {
			names = append(names, m)
		}
		sort.Strings(names)
		for _, m := range names {
			e := status[p][m]
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\n", p, m, e.InUse, e.Limit, e.Waiters)
		}
	}
	w.Flush()
	return nil
}
