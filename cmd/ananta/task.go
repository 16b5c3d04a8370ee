package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ananta888/ananta/internal/controlplane"
	"github.com/ananta888/ananta/internal/models"
	"github.com/ananta888/ananta/internal/store"
	"github.com/ananta888/ananta/internal/timeline"
)

var (
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	cyan   = color.New(color.FgCyan).SprintFunc()
	gray   = color.New(color.FgHiBlack).SprintFunc()
	bold   = color.New(color.Bold).SprintFunc()
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Ingest a new task",
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskClaimCmd = &cobra.Command{
	Use:   "claim [task-id]",
	Short: "Claim a task under a lease",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskClaim,
}

var taskCompleteCmd = &cobra.Command{
	Use:   "complete [task-id]",
	Short: "Complete a claimed task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskComplete,
}

var taskReportCmd = &cobra.Command{
	Use:   "report [task-id]",
	Short: "Report a proposal or execution result",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskReport,
}

var taskDelegateCmd = &cobra.Command{
	Use:   "delegate [task-id]",
	Short: "Delegate a subtask to another agent",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskDelegate,
}

var taskFollowupCmd = &cobra.Command{
	Use:   "followup [task-id]",
	Short: "Create a follow-up of a finished task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskFollowup,
}

var taskTimelineCmd = &cobra.Command{
	Use:   "timeline [task-id]",
	Short: "Show the task timeline",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskTimeline,
}

var taskPDRCmd = &cobra.Command{
	Use:   "pdr [task-id]",
	Short: "Show the decision records of a task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskPDR,
}

var taskArchivedCmd = &cobra.Command{
	Use:   "archived",
	Short: "List archived tasks",
	RunE:  runTaskArchived,
}

var taskSweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Archive finished tasks past retention (admin)",
	RunE:  runTaskSweep,
}

var (
	taskTitle      string
	taskDesc       string
	taskPriority   string
	taskSource     string
	taskTeam       string
	taskParent     string
	taskDependsOn  []string
	taskStatus     string
	listLimit      int
	agentURL       string
	agentToken     string
	leaseSeconds   int
	idempotencyKey string
	actor          string
	output         string
	exitCode       int
	traceID        string
	toolCallsJSON  string
	errorsOnly     bool
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskClaimCmd, taskCompleteCmd, taskReportCmd,
		taskDelegateCmd, taskFollowupCmd, taskTimelineCmd, taskPDRCmd, taskArchivedCmd, taskSweepCmd)

	taskAddCmd.Flags().StringVar(&taskTitle, "title", "", "Task title (derived from the description when empty)")
	taskAddCmd.Flags().StringVar(&taskDesc, "desc", "", "Task description (required)")
	taskAddCmd.Flags().StringVar(&taskPriority, "priority", "", "Priority (low, medium, high)")
	taskAddCmd.Flags().StringVar(&taskSource, "source", "cli", "Task source label")
	taskAddCmd.Flags().StringVar(&taskTeam, "team", "", "Team id")
	taskAddCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task id")
	taskAddCmd.Flags().StringSliceVar(&taskDependsOn, "depends-on", nil, "Task ids this task depends on")
	taskAddCmd.MarkFlagRequired("desc")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by status (todo, in_progress, completed, failed)")
	taskListCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of tasks")

	taskClaimCmd.Flags().StringVar(&agentURL, "agent", "", "Lease holder (defaults to the authenticated caller)")
	taskClaimCmd.Flags().IntVar(&leaseSeconds, "lease", 0, "Lease in seconds (defaults to the node's lease.default_seconds)")
	taskClaimCmd.Flags().StringVar(&idempotencyKey, "key", "", "Idempotency key (generated when empty)")

	taskCompleteCmd.Flags().StringVar(&actor, "actor", "", "Lease holder completing the task (defaults to the authenticated caller)")
	taskCompleteCmd.Flags().StringVar(&output, "output", "", "Execution output")
	taskCompleteCmd.Flags().IntVar(&exitCode, "exit-code", 0, "Execution exit code")
	taskCompleteCmd.Flags().StringVar(&traceID, "trace", "", "Trace id")

	taskReportCmd.Flags().StringVar(&actor, "actor", "", "Reporting actor (defaults to the authenticated caller)")
	taskReportCmd.Flags().StringVar(&output, "output", "", "Execution output")
	taskReportCmd.Flags().IntVar(&exitCode, "exit-code", 0, "Execution exit code")
	taskReportCmd.Flags().StringVar(&toolCallsJSON, "tool-calls", "", `Tool calls as JSON, e.g. '[{"name":"list_tasks"}]'`)

	taskDelegateCmd.Flags().StringVar(&agentURL, "agent", "", "Agent URL receiving the subtask (required)")
	taskDelegateCmd.Flags().StringVar(&agentToken, "agent-token", "", "Bearer token for the receiving agent")
	taskDelegateCmd.Flags().StringVar(&taskDesc, "desc", "", "Subtask description (required)")
	taskDelegateCmd.Flags().StringVar(&taskTitle, "title", "", "Subtask title")
	taskDelegateCmd.Flags().StringVar(&taskPriority, "priority", "", "Subtask priority")
	taskDelegateCmd.MarkFlagRequired("agent")
	taskDelegateCmd.MarkFlagRequired("desc")

	taskFollowupCmd.Flags().StringVar(&taskDesc, "desc", "", "Follow-up description (required)")
	taskFollowupCmd.Flags().StringVar(&taskTitle, "title", "", "Follow-up title")
	taskFollowupCmd.Flags().StringVar(&taskPriority, "priority", "", "Follow-up priority")
	taskFollowupCmd.Flags().StringSliceVar(&taskDependsOn, "depends-on", nil, "Additional dependencies")
	taskFollowupCmd.MarkFlagRequired("desc")

	taskTimelineCmd.Flags().BoolVar(&errorsOnly, "errors", false, "Only show error events")

	taskArchivedCmd.Flags().IntVar(&listLimit, "limit", 0, "Maximum number of archived tasks")
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	var task models.Task
	err := apiPostJSON("/tasks", controlplane.IngestRequest{
		Title:        taskTitle,
		Description:  taskDesc,
		Priority:     taskPriority,
		Source:       taskSource,
		TeamID:       taskTeam,
		ParentTaskID: taskParent,
		DependsOn:    taskDependsOn,
	}, &task)
	if err != nil {
		return err
	}

	fmt.Printf("Created task: %s\n", bold(task.ID))
	return nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if listLimit > 0 {
		q.Set("limit", strconv.Itoa(listLimit))
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []models.Task
	if err := apiGetJSON(path, &tasks); err != nil {
		return err
	}

	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tSTATUS\tSOURCE\tHOLDER")
	for _, t := range tasks {
		holder := ""
		if t.Lease != nil {
			holder = t.Lease.Holder
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, truncate(t.Title, 40), colorStatus(t.Status), t.Source, holder)
	}
	w.Flush()
	return nil
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var task models.Task
	if err := apiGetJSON("/tasks/"+url.PathEscape(args[0]), &task); err != nil {
		return err
	}

	fmt.Printf("ID:          %s\n", task.ID)
	fmt.Printf("Title:       %s\n", task.Title)
	fmt.Printf("Description: %s\n", task.Description)
	fmt.Printf("Status:      %s\n", colorStatus(task.Status))
	fmt.Printf("Priority:    %s\n", task.Priority)
	fmt.Printf("Source:      %s\n", task.Source)
	fmt.Printf("Created By:  %s\n", task.CreatedBy)
	if task.AssignedAgentURL != "" {
		fmt.Printf("Assigned To: %s\n", task.AssignedAgentURL)
	}
	if task.ParentTaskID != "" {
		fmt.Printf("Parent:      %s\n", task.ParentTaskID)
	}
	if len(task.DependsOn) > 0 {
		fmt.Printf("Depends On:  %v\n", task.DependsOn)
	}
	if task.Lease != nil {
		fmt.Printf("Lease:       %s until %s\n", task.Lease.Holder, task.Lease.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	if task.FailCount > 0 {
		fmt.Printf("Failures:    %d\n", task.FailCount)
	}
	fmt.Printf("Created:     %s\n", task.CreatedAt.Format("2006-01-02 15:04:05"))
	fmt.Printf("Updated:     %s\n", task.UpdatedAt.Format("2006-01-02 15:04:05"))
	if task.LastOutput != "" {
		fmt.Println("\n--- LAST OUTPUT ---")
		fmt.Println(task.LastOutput)
	}
	return nil
}

func runTaskClaim(cmd *cobra.Command, args []string) error {
	key := idempotencyKey
	if key == "" {
		key = uuid.NewString()
	}

	var res models.ClaimResult
	err := apiPostJSON("/tasks/"+url.PathEscape(args[0])+"/claim", controlplane.ClaimRequest{
		AgentURL:       agentURL,
		IdempotencyKey: key,
		LeaseSeconds:   leaseSeconds,
	}, &res)
	if err != nil {
		return err
	}

	if !res.Claimed {
		msg := fmt.Sprintf("claim refused: %s", res.Reason)
		if len(res.Unmet) > 0 {
			msg += fmt.Sprintf(" %v", res.Unmet)
		}
		return fmt.Errorf("%s", msg)
	}
	fmt.Printf("Claimed task %s\n", green(args[0]))
	fmt.Printf("Holder:   %s\n", res.Holder)
	if res.ExpiresAt != nil {
		fmt.Printf("Expires:  %s\n", res.ExpiresAt.Format("2006-01-02 15:04:05"))
	}
	if res.Replayed {
		fmt.Println(gray("(replayed idempotent claim)"))
	}
	return nil
}

func runTaskComplete(cmd *cobra.Command, args []string) error {
	req := controlplane.CompleteRequest{Actor: actor, Output: output, TraceID: traceID}
	if cmd.Flags().Changed("exit-code") {
		req.ExitCode = &exitCode
	}

	var res models.CompleteResult
	if err := apiPostJSON("/tasks/"+url.PathEscape(args[0])+"/complete", req, &res); err != nil {
		return err
	}

	fmt.Printf("Task %s %s\n", args[0], colorStatus(res.Status))
	if !res.Gate.Passed && res.Gate.Reason != "" {
		fmt.Printf("Quality gate: %s\n", red(res.Gate.Reason))
	}
	if len(res.Unblocked) > 0 {
		fmt.Printf("Unblocked:    %v\n", res.Unblocked)
	}
	return nil
}

func runTaskReport(cmd *cobra.Command, args []string) error {
	body := map[string]any{}
	if actor != "" {
		body["actor"] = actor
	}
	if output != "" {
		body["output"] = output
	}
	if cmd.Flags().Changed("exit-code") {
		body["exit_code"] = exitCode
	}
	if toolCallsJSON != "" {
		var calls []json.RawMessage
		if err := json.Unmarshal([]byte(toolCallsJSON), &calls); err != nil {
			return fmt.Errorf("invalid --tool-calls: %w", err)
		}
		body["tool_calls"] = calls
	}

	var res controlplane.ReportResult
	if err := apiPostJSON("/tasks/"+url.PathEscape(args[0])+"/report", body, &res); err != nil {
		return err
	}

	if res.Task != nil {
		fmt.Printf("Task %s %s\n", res.Task.ID, colorStatus(res.Task.Status))
	}
	if res.Tools != nil {
		printOutcome(res.Tools)
	}
	return nil
}

func runTaskDelegate(cmd *cobra.Command, args []string) error {
	var sub models.Task
	err := apiPostJSON("/tasks/"+url.PathEscape(args[0])+"/delegate", controlplane.DelegateRequest{
		AgentURL:           agentURL,
		AgentToken:         agentToken,
		SubtaskDescription: taskDesc,
		Title:              taskTitle,
		Priority:           taskPriority,
	}, &sub)
	if err != nil {
		return err
	}

	fmt.Printf("Delegated subtask %s to %s\n", bold(sub.ID), cyan(agentURL))
	return nil
}

func runTaskFollowup(cmd *cobra.Command, args []string) error {
	var task models.Task
	err := apiPostJSON("/tasks/"+url.PathEscape(args[0])+"/followup", controlplane.FollowupRequest{
		Title:       taskTitle,
		Description: taskDesc,
		Priority:    taskPriority,
		DependsOn:   taskDependsOn,
	}, &task)
	if err != nil {
		return err
	}

	fmt.Printf("Created follow-up: %s\n", bold(task.ID))
	return nil
}

func runTaskTimeline(cmd *cobra.Command, args []string) error {
	path := "/tasks/" + url.PathEscape(args[0]) + "/timeline"
	if errorsOnly {
		path += "?errors_only=true"
	}

	var resp struct {
		Events []timeline.Event `json:"events"`
	}
	if err := apiGetJSON(path, &resp); err != nil {
		return err
	}

	if len(resp.Events) == 0 {
		fmt.Println("No events")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tEVENT\tACTOR\tDETAILS")
	for _, e := range resp.Events {
		event := e.EventType
		if timeline.IsError(e) {
			event = red(event)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), event, e.Actor, truncate(formatDetails(e.Details), 60))
	}
	w.Flush()
	return nil
}

func runTaskPDR(cmd *cobra.Command, args []string) error {
	var entries []models.PDREntry
	if err := apiGetJSON("/tasks/"+url.PathEscape(args[0])+"/pdr", &entries); err != nil {
		return err
	}

	if len(entries) == 0 {
		fmt.Println("No decision records")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TIME\tACTION\tOUTCOME\tINPUTS")
	for _, e := range entries {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format("2006-01-02 15:04:05"), e.Action, e.Outcome, truncateID(e.InputsHash))
	}
	w.Flush()
	return nil
}

func runTaskArchived(cmd *cobra.Command, args []string) error {
	path := "/tasks/archived"
	if listLimit > 0 {
		path += "?limit=" + strconv.Itoa(listLimit)
	}

	var archived []store.ArchivedTask
	if err := apiGetJSON(path, &archived); err != nil {
		return err
	}

	if len(archived) == 0 {
		fmt.Println("No archived tasks")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tTITLE\tFINAL STATUS\tARCHIVED")
	for _, a := range archived {
		archivedAt := ""
		if a.Task.ArchivedAt != nil {
			archivedAt = a.Task.ArchivedAt.Format("2006-01-02 15:04:05")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", a.Task.ID, truncate(a.Task.Title, 40), colorStatus(a.FinalStatus), archivedAt)
	}
	w.Flush()
	return nil
}

func runTaskSweep(cmd *cobra.Command, args []string) error {
	var resp struct {
		Archived []string `json:"archived"`
		Count    int      `json:"count"`
	}
	if err := apiPostJSON("/tasks/archive/sweep", struct{}{}, &resp); err != nil {
		return err
	}

	fmt.Printf("Archived %d task(s)\n", resp.Count)
	for _, id := range resp.Archived {
		fmt.Printf("  %s\n", id)
	}
	return nil
}

// --- Helpers ---

func colorStatus(s models.TaskStatus) string {
	switch s {
	case models.TaskStatusCompleted:
		return green(string(s))
	case models.TaskStatusInProgress:
		return yellow(string(s))
	case models.TaskStatusFailed:
		return red(string(s))
	case models.TaskStatusArchived:
		return gray(string(s))
	default:
		return cyan(string(s))
	}
}

func formatDetails(details map[string]any) string {
	if len(details) == 0 {
		return ""
	}
	data, err := json.Marshal(details)
	if err != nil {
		return ""
	}
	return string(data)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}

func truncateID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
