// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCache/pkg/logging"
	"github.com/AleutianAI/AleutianCache/pkg/ux"
	"github.com/AleutianAI/AleutianCache/services/cwm"
	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
)

// --- Global Command Variables ---
var (
	cfg              cwm.Config
	configPath       string
	personalityLevel string // UX personality level (full/standard/minimal/machine)

	rootCmd = &cobra.Command{
		Use:   "cwm",
		Short: "Manage frozen context windows for vLLM sessions",
		Long: `cwm freezes a session's KV cache into a named window, thaws it
			back into a fresh session later, and clones windows without
			copying their blocks. It operates on the local registry and
			block store directly; no API server needs to be running.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			// Initialize UX personality from flag or environment
			if personalityLevel != "" {
				ux.SetPersonalityLevel(ux.ParsePersonalityLevel(personalityLevel))
			} else {
				ux.InitPersonality()
			}

			var err error
			cfg, err = cwm.LoadConfig(configPath)
			if err != nil {
				log.Fatalf("Error loading config %s: %v", configPath, err)
			}
		},
	}

	// --- Freeze / Thaw / Clone ---
	freezeCmd = &cobra.Command{
		Use:   "freeze [session_id] [window_name]",
		Short: "Freeze a session's cached context into a named window",
		Args:  cobra.ExactArgs(2),
		Run:   runFreeze, // Defined in cmd_freeze.go
	}
	thawCmd = &cobra.Command{
		Use:   "thaw [window_name]",
		Short: "Restore a frozen window into a new session",
		Args:  cobra.ExactArgs(1),
		Run:   runThaw, // Defined in cmd_thaw.go
	}
	cloneCmd = &cobra.Command{
		Use:   "clone [source_window] [new_window]",
		Short: "Clone a window without copying its cached blocks",
		Args:  cobra.ExactArgs(2),
		Run:   runClone, // Defined in cmd_clone.go
	}

	// --- Windows ---
	windowsCmd = &cobra.Command{
		Use:   "windows",
		Short: "Inspect and manage frozen windows",
	}
	windowsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List frozen windows",
		Run:   runWindowsList, // Defined in cmd_windows.go
	}
	windowsInfoCmd = &cobra.Command{
		Use:   "info [window_name]",
		Short: "Show a window's metadata, lineage, and block verification state",
		Args:  cobra.ExactArgs(1),
		Run:   runWindowsInfo, // Defined in cmd_windows.go
	}
	windowsDeleteCmd = &cobra.Command{
		Use:   "delete [window_name]",
		Short: "Delete a frozen window and its stored blocks",
		Args:  cobra.ExactArgs(1),
		Run:   runWindowsDelete, // Defined in cmd_windows.go
	}

	// --- Sessions ---
	sessionsCmd = &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and manage sessions",
	}
	sessionsListCmd = &cobra.Command{
		Use:   "list",
		Short: "List sessions",
		Run:   runSessionsList, // Defined in cmd_sessions.go
	}
	sessionsInfoCmd = &cobra.Command{
		Use:   "info [session_id]",
		Short: "Show a session's state, model, and metadata",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsInfo, // Defined in cmd_sessions.go
	}
	sessionsExpireCmd = &cobra.Command{
		Use:   "expire [session_id]",
		Short: "Mark an active session as expired",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsExpire, // Defined in cmd_sessions.go
	}
	sessionsDeleteCmd = &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a session (soft by default, --hard removes the row)",
		Args:  cobra.ExactArgs(1),
		Run:   runSessionsDelete, // Defined in cmd_sessions.go
	}

	// --- Audit / Health / Stats ---
	auditCmd = &cobra.Command{
		Use:   "audit",
		Short: "Show the audit trail",
		Run:   runAudit, // Defined in cmd_audit.go
	}
	healthCmd = &cobra.Command{
		Use:   "health",
		Short: "Probe the block store, the registry, and the inference server",
		Run:   runHealth, // Defined in cmd_health.go
	}
	statsCmd = &cobra.Command{
		Use:   "stats",
		Short: "Show block store and prefix cache statistics",
		Run:   runStats, // Defined in cmd_stats.go
	}
)

// init runs when the Go program starts
func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&configPath, "config", cwm.DefaultConfigPath(),
		"Path to the cwm configuration file")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full (default, rich nautical), standard, minimal, or machine (scripting)")

	rootCmd.AddCommand(freezeCmd)
	freezeCmd.Flags().String("prompt", "", "Prompt prefix that generated the cached state")
	freezeCmd.Flags().String("prompt-file", "", "Read the prompt prefix from a file instead")
	freezeCmd.Flags().StringP("description", "d", "", "Free-form description for the window")
	freezeCmd.Flags().StringSlice("tags", nil, "Tags for filtering, comma separated")

	rootCmd.AddCommand(thawCmd)
	thawCmd.Flags().String("session", "", "Name for the restored session (default: generated)")
	thawCmd.Flags().Bool("skip-warmup", false, "Skip the prefix cache warming request")
	thawCmd.Flags().String("continuation", "", "Prompt to record for appending after restoration")

	rootCmd.AddCommand(cloneCmd)
	cloneCmd.Flags().StringP("description", "d", "", "Description for the clone (default: Clone of <source>)")
	cloneCmd.Flags().StringSlice("tags", nil, "Tags for the clone (default: copied from the source)")

	// windows commands
	rootCmd.AddCommand(windowsCmd)
	windowsCmd.AddCommand(windowsListCmd)
	windowsListCmd.Flags().StringSlice("tags", nil, "Only windows carrying every listed tag")
	windowsListCmd.Flags().String("model", "", "Only windows frozen from this model")
	windowsListCmd.Flags().String("session", "", "Only windows frozen from this session")
	windowsListCmd.Flags().String("search", "", "Substring match on name and description")
	windowsListCmd.Flags().String("sort-by", "created_at", "Sort column: name, created_at, token_count, total_size_bytes")
	windowsListCmd.Flags().String("sort-order", "desc", "Sort order: asc or desc")
	windowsListCmd.Flags().Int("limit", 50, "Maximum windows to show")
	windowsListCmd.Flags().Int("offset", 0, "Windows to skip")
	windowsCmd.AddCommand(windowsInfoCmd)
	windowsCmd.AddCommand(windowsDeleteCmd)
	windowsDeleteCmd.Flags().Bool("keep-blocks", false, "Keep stored blocks shared with clones")
	windowsDeleteCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")

	// session commands
	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsListCmd.Flags().String("state", "", "Only sessions in this state (active, frozen, thawed, expired, deleted)")
	sessionsListCmd.Flags().String("model", "", "Only sessions running this model")
	sessionsListCmd.Flags().Int("limit", 50, "Maximum sessions to show")
	sessionsCmd.AddCommand(sessionsInfoCmd)
	sessionsCmd.AddCommand(sessionsExpireCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
	sessionsDeleteCmd.Flags().Bool("hard", false, "Remove the row instead of soft-deleting")
	sessionsDeleteCmd.Flags().Bool("yes", false, "Skip the confirmation prompt")

	rootCmd.AddCommand(auditCmd)
	auditCmd.Flags().String("event", "", "Only entries for this event type")
	auditCmd.Flags().String("session", "", "Only entries for this session")
	auditCmd.Flags().String("window", "", "Only entries for this window")
	auditCmd.Flags().String("severity", "", "Only entries at this severity (info, warning, error)")
	auditCmd.Flags().String("since", "", "Only entries newer than a duration (24h) or date (2026-01-02)")
	auditCmd.Flags().Int("limit", 50, "Maximum entries to show")

	rootCmd.AddCommand(healthCmd)
	rootCmd.AddCommand(statsCmd)
}

// withService builds the core component stack, runs fn against it, and
// tears the stack down before the process exits. Service logs go to the
// log directory only so they never interleave with command output.
func withService(fn func(ctx context.Context, svc *cwm.Service) error) {
	ctx := context.Background()

	logger := logging.New(logging.Config{
		Level:   logging.LevelWarn,
		LogDir:  "~/.cwm/logs",
		Service: "cwm",
		JSON:    true,
		Quiet:   true,
	})

	svc, err := cwm.NewService(ctx, cfg, logger.Slog())
	if err != nil {
		logger.Close()
		log.Fatalf("Could not open the context window manager core: %v", err)
	}

	runErr := fn(ctx, svc)

	if err := svc.Close(); err != nil {
		ux.Warning(fmt.Sprintf("Shutdown left components unclosed: %v", err))
	}
	logger.Close()

	if runErr != nil {
		reportError(runErr)
		os.Exit(1)
	}
}

// reportError renders err for the terminal, stable code first when the
// error carries one.
func reportError(err error) {
	if cwmErr, ok := cwmerr.AsError(err); ok {
		ux.Error(fmt.Sprintf("[%s] %s", cwmErr.Code, cwmerr.UserMessage(err)))
		return
	}
	ux.Error(err.Error())
}

// confirmOrAbort prompts before a destructive operation unless --yes was
// given. Non-interactive invocations must pass --yes.
func confirmOrAbort(cmd *cobra.Command, warning string) bool {
	yes, _ := cmd.Flags().GetBool("yes")
	if yes {
		return true
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		ux.Error("Refusing to proceed without --yes in a non-interactive session.")
		return false
	}

	ux.Warning(warning)
	fmt.Print("Are you sure you want to continue? (yes/no): ")
	reader := bufio.NewReader(os.Stdin)
	input, _ := reader.ReadString('\n')
	if strings.TrimSpace(input) != "yes" {
		fmt.Println("Aborted.")
		return false
	}
	return true
}

// formatBytes renders a byte count with a binary unit suffix.
func formatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
