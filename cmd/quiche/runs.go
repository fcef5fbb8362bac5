package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/michaelbrown/quiche/internal/storage"
)

var (
	statusFilter    string
	requesterFilter string
	limitFlag       int
	exportFormat    string
	exportOutput    string
	forceFlag       bool
)

var runsCmd = &cobra.Command{
	Use:     "runs",
	Aliases: []string{"run", "r"},
	Short:   "Browse run history",
}

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent runs",
	RunE:  runRunsList,
}

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show run details",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsShow,
}

var runsDeleteCmd = &cobra.Command{
	Use:   "delete <run-id>",
	Short: "Delete a run from history",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsDelete,
}

var runsExportCmd = &cobra.Command{
	Use:   "export <run-id>",
	Short: "Export a run as markdown or JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runRunsExport,
}

func init() {
	rootCmd.AddCommand(runsCmd)
	runsCmd.AddCommand(runsListCmd, runsShowCmd, runsDeleteCmd, runsExportCmd)

	runsListCmd.Flags().StringVar(&statusFilter, "status", "", "Filter by status (queued, running, completed, failed, timed_out, terminated)")
	runsListCmd.Flags().StringVar(&requesterFilter, "requester", "", "Filter by requester")
	runsListCmd.Flags().IntVar(&limitFlag, "limit", 20, "Max runs to show")

	runsExportCmd.Flags().StringVar(&exportFormat, "format", "md", "Export format: md or json")
	runsExportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "Output file (default: stdout)")

	runsDeleteCmd.Flags().BoolVar(&forceFlag, "force", false, "Skip confirmation")
}

func runRunsList(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	runs, err := c.ListRuns(context.Background(), storage.RunListOptions{
		Status:      storage.RunStatus(statusFilter),
		RequesterID: requesterFilter,
		Limit:       limitFlag,
	})
	if err != nil {
		return err
	}

	if len(runs) == 0 {
		fmt.Println("No runs found.")
		return nil
	}

	// Header
	fmt.Printf("%-10s %-12s %-16s %-20s %-6s %s\n", "ID", "STATUS", "REQUESTER", "ENTRY", "EXIT", "CREATED")
	fmt.Println(strings.Repeat("─", 80))

	for _, r := range runs {
		exit := "-"
		if r.ExitCode != nil {
			exit = fmt.Sprint(*r.ExitCode)
		}
		fmt.Printf("%-10s %-12s %-16s %-20s %-6s %s\n",
			shortID(r.ID), r.Status, truncate(r.RequesterID, 14), truncate(r.EntryFile, 18), exit, timeAgo(r.CreatedAt))
	}

	return nil
}

func runRunsShow(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	r, err := c.GetRun(context.Background(), args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Run:       %s\n", r.ID)
	fmt.Printf("Requester: %s\n", r.RequesterID)
	fmt.Printf("Channel:   %s\n", r.ChannelID)
	fmt.Printf("Status:    %s\n", r.Status)
	if r.EntryFile != "" {
		fmt.Printf("Entry:     %s\n", r.EntryFile)
	}
	if r.ExitCode != nil {
		fmt.Printf("Exit code: %d\n", *r.ExitCode)
	}
	fmt.Printf("Created:   %s\n", r.CreatedAt.Format(time.RFC3339))
	if d := r.Duration(); d > 0 {
		fmt.Printf("Duration:  %s\n", d.Round(time.Millisecond))
	}
	fmt.Printf("Messages:  %d", r.Messages)
	if r.Truncated {
		fmt.Print(" (truncated)")
	}
	fmt.Println()
	if r.Error != "" {
		fmt.Printf("\n\033[31m%s\033[0m\n", r.Error)
	}
	return nil
}

func runRunsDelete(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	r, err := c.GetRun(ctx, args[0])
	if err != nil {
		return err
	}

	if !forceFlag {
		fmt.Printf("Delete run %s by %s (%s)? [y/N] ", shortID(r.ID), r.RequesterID, r.Status)
		var confirm string
		fmt.Scanln(&confirm)
		if strings.ToLower(confirm) != "y" {
			fmt.Println("Cancelled.")
			return nil
		}
	}

	if err := c.DeleteRun(ctx, r.ID); err != nil {
		return err
	}
	fmt.Printf("Deleted run %s\n", shortID(r.ID))
	return nil
}

func runRunsExport(cmd *cobra.Command, args []string) error {
	c, err := newClient()
	if err != nil {
		return err
	}

	ctx := context.Background()
	var output string
	switch exportFormat {
	case "json":
		r, err := c.GetRun(ctx, args[0])
		if err != nil {
			return err
		}
		data, err := storage.ExportJSON(r)
		if err != nil {
			return err
		}
		output = string(data)
	default:
		if output, err = c.RunMarkdown(ctx, args[0]); err != nil {
			return err
		}
	}

	if exportOutput != "" {
		return os.WriteFile(exportOutput, []byte(output), 0o644)
	}

	fmt.Print(output)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	s = strings.TrimSpace(s)
	if len(s) > maxLen {
		return s[:maxLen] + ".."
	}
	return s
}

func timeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}
