package main

import (
	"fmt"
	"net/url"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kalambet/thoughtd/internal/api"
	"github.com/kalambet/thoughtd/internal/config"
	"github.com/kalambet/thoughtd/internal/entitlement"
	"github.com/kalambet/thoughtd/internal/processor"
	"github.com/kalambet/thoughtd/internal/storage"
	"github.com/kalambet/thoughtd/internal/thought"
)

func splitTags(s string) []string {
	if s == "" {
		return nil
	}
	tags := strings.Split(s, ",")
	for i := range tags {
		tags[i] = strings.TrimSpace(tags[i])
	}
	return tags
}

func thoughtPath(id string, rest ...string) string {
	p := "/thoughts/" + url.PathEscape(id)
	for _, r := range rest {
		p += "/" + url.PathEscape(r)
	}
	return p
}

// --- thought ---

var thoughtCmd = &cobra.Command{
	Use:   "thought",
	Short: "Create, inspect and process thoughts",
}

var thoughtAddCmd = &cobra.Command{
	Use:   "add <text>",
	Short: "Store a new thought",
	Long: `Store a new thought. It is queued for AI processing automatically when
your plan and rate limits allow it.

Examples:
  thoughtd thought add "had coffee w/ sarah about the marathon plan"
  thoughtd thought add "renew passport" --tags admin,travel`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tagsStr, _ := cmd.Flags().GetString("tags")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/thoughts", api.CreateThoughtRequest{
			Text: strings.Join(args, " "),
			Tags: splitTags(tagsStr),
		})
		if err != nil {
			return err
		}

		var result api.CreateThoughtResponse
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Stored thought %s", result.Thought.ID)
		if result.Job != nil {
			printStatus("Job", "%s (%s)", result.Job.JobID, result.Job.Status)
		} else {
			printStatus("Job", "not queued")
		}
		return nil
	},
}

var thoughtShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a thought with its AI status and suggestions",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		asJSON, _ := cmd.Flags().GetBool("json")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), thoughtPath(args[0]))
		if err != nil {
			return err
		}

		var t thought.Thought
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}

		if asJSON {
			return printJSON(os.Stdout, t)
		}
		printThought(os.Stdout, t)
		return nil
	},
}

var thoughtHistoryCmd = &cobra.Command{
	Use:   "history <id>",
	Short: "Show the processing history of a thought",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), thoughtPath(args[0], "history"))
		if err != nil {
			return err
		}

		var entries []thought.HistoryEntry
		if err := decodeJSON(resp, &entries); err != nil {
			return err
		}

		printHistory(os.Stdout, entries)
		return nil
	},
}

var thoughtProcessCmd = &cobra.Command{
	Use:   "process <id>",
	Short: "Queue AI processing for a thought",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reprocess, _ := cmd.Flags().GetBool("reprocess")
		toolsStr, _ := cmd.Flags().GetString("tools")

		req := api.ProcessRequest{
			Trigger:     thought.TriggerManual,
			ToolSpecIDs: splitTags(toolsStr),
		}
		if reprocess {
			req.Trigger = thought.TriggerReprocess
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), thoughtPath(args[0], "process"), req)
		if err != nil {
			return err
		}

		var result processor.EnqueueResult
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if result.Status == processor.StatusAlreadyQueued {
			printWarning("Thought %s is already queued as job %s", args[0], result.JobID)
			return nil
		}
		printSuccess("Queued job %s", result.JobID)
		return nil
	},
}

var thoughtRevertCmd = &cobra.Command{
	Use:   "revert <id>",
	Short: "Undo every AI change on a thought",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), thoughtPath(args[0], "revert"), nil)
		if err != nil {
			return err
		}

		var t thought.Thought
		if err := decodeJSON(resp, &t); err != nil {
			return err
		}

		printSuccess("Reverted thought %s", t.ID)
		printThought(os.Stdout, t)
		return nil
	},
}

func suggestionCmd(action string) *cobra.Command {
	return &cobra.Command{
		Use:   action + " <thought-id> <suggestion-id>",
		Short: strings.ToUpper(action[:1]) + action[1:] + " a pending AI suggestion",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newAPIClient()
			if err != nil {
				return err
			}

			resp, err := client.post(cmd.Context(), thoughtPath(args[0], "suggestions", args[1], action), nil)
			if err != nil {
				return err
			}

			var t thought.Thought
			if err := decodeJSON(resp, &t); err != nil {
				return err
			}

			printSuccess("Suggestion %s %sed", args[1], action)
			printThought(os.Stdout, t)
			return nil
		},
	}
}

func init() {
	thoughtAddCmd.Flags().String("tags", "", "comma-separated tags")
	thoughtShowCmd.Flags().Bool("json", false, "print the raw JSON record")
	thoughtProcessCmd.Flags().Bool("reprocess", false, "process again even if already processed")
	thoughtProcessCmd.Flags().String("tools", "", "comma-separated tool ids to restrict processing to")

	thoughtCmd.AddCommand(thoughtAddCmd)
	thoughtCmd.AddCommand(thoughtShowCmd)
	thoughtCmd.AddCommand(thoughtHistoryCmd)
	thoughtCmd.AddCommand(thoughtProcessCmd)
	thoughtCmd.AddCommand(thoughtRevertCmd)
	thoughtCmd.AddCommand(suggestionCmd("accept"))
	thoughtCmd.AddCommand(suggestionCmd("reject"))
}

// --- job ---

var jobCmd = &cobra.Command{
	Use:   "job",
	Short: "Inspect processing jobs",
}

var jobShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Show a processing job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/jobs/"+url.PathEscape(args[0]))
		if err != nil {
			return err
		}

		var job storage.Job
		if err := decodeJSON(resp, &job); err != nil {
			return err
		}

		printStatus("Job", "%s", job.ID)
		printStatus("Thought", "%s", job.ThoughtID)
		printStatus("Trigger", "%s", job.Trigger)
		printStatus("Status", "%s", job.Status)
		printStatus("Tools", "%s", strings.Join(job.ToolSpecIDs, ", "))
		printStatus("Requested", "%s by %s", job.RequestedAt.Format("2006-01-02 15:04:05"), job.RequestedBy)
		if job.Error != "" {
			printStatus("Error", "%s", job.Error)
		}
		return nil
	},
}

func init() {
	jobCmd.AddCommand(jobShowCmd)
}

// --- tools ---

var toolsCmd = &cobra.Command{
	Use:   "tools",
	Short: "List and enroll in AI tools",
}

var toolsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List the tools in the catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/tools")
		if err != nil {
			return err
		}

		var tools []struct {
			ID          string `json:"id"`
			Name        string `json:"name"`
			Description string `json:"description"`
		}
		if err := decodeJSON(resp, &tools); err != nil {
			return err
		}

		for _, t := range tools {
			fmt.Printf("%s  %s\n    %s\n", colorize(colorCyan, t.ID), colorize(colorBold, t.Name), t.Description)
		}
		return nil
	},
}

var toolsEnrollCmd = &cobra.Command{
	Use:   "enroll <tool-id>...",
	Short: "Set the tools AI processing may use",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/tools/enrollment", api.EnrollmentRequest{ToolIDs: args})
		if err != nil {
			return err
		}

		var result map[string]string
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Enrolled in %s", strings.Join(args, ", "))
		return nil
	},
}

func init() {
	toolsCmd.AddCommand(toolsListCmd)
	toolsCmd.AddCommand(toolsEnrollCmd)
}

// --- subscription ---

var subscriptionCmd = &cobra.Command{
	Use:   "subscription",
	Short: "Manage the local subscription record",
}

var subscriptionSetCmd = &cobra.Command{
	Use:   "set",
	Short: "Store a subscription snapshot and show the resulting entitlement",
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, _ := cmd.Flags().GetString("tier")
		status, _ := cmd.Flags().GetString("status")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.put(cmd.Context(), "/subscription", entitlement.Subscription{Tier: tier, Status: status})
		if err != nil {
			return err
		}

		var d entitlement.Decision
		if err := decodeJSON(resp, &d); err != nil {
			return err
		}

		if d.Allowed {
			printSuccess("AI processing enabled")
			return nil
		}
		printWarning("AI processing unavailable: %s", d.Code)
		return nil
	},
}

func init() {
	subscriptionSetCmd.Flags().String("tier", "pro", "subscription tier")
	subscriptionSetCmd.Flags().String("status", "active", "subscription status")
	subscriptionCmd.AddCommand(subscriptionSetCmd)
}

// --- context ---

var contextCmd = &cobra.Command{
	Use:   "context",
	Short: "Manage goals, projects, people, tasks and moods used as AI context",
}

var contextAddCmd = &cobra.Command{
	Use:   "add <kind> <title>",
	Short: "Add a context item (goal, project, person, task or mood)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		detail, _ := cmd.Flags().GetString("detail")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/context-items", api.ContextItemRequest{
			Kind:   thought.ContextKind(args[0]),
			Title:  args[1],
			Detail: detail,
		})
		if err != nil {
			return err
		}

		var item thought.ContextItem
		if err := decodeJSON(resp, &item); err != nil {
			return err
		}

		printSuccess("Added %s %s", item.Kind, item.ID)
		return nil
	},
}

func init() {
	contextAddCmd.Flags().String("detail", "", "optional detail")
	contextCmd.AddCommand(contextAddCmd)
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

		keys := config.ShowAll(cfg)
		for _, k := range keys {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value. Valid keys: " + strings.Join(config.ValidKeys(), ", "),
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		if err := config.SetKey(key, value); err != nil {
			return err
		}

		printSuccess("Set %s = %s", key, value)
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}
