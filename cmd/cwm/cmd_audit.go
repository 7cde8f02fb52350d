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
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCache/pkg/ux"
	"github.com/AleutianAI/AleutianCache/services/cwm"
	"github.com/AleutianAI/AleutianCache/services/cwm/registry"
)

func runAudit(cmd *cobra.Command, args []string) {
	event, _ := cmd.Flags().GetString("event")
	session, _ := cmd.Flags().GetString("session")
	window, _ := cmd.Flags().GetString("window")
	severity, _ := cmd.Flags().GetString("severity")
	sinceStr, _ := cmd.Flags().GetString("since")
	limit, _ := cmd.Flags().GetInt("limit")

	var since time.Time
	if sinceStr != "" {
		var err error
		since, err = parseSince(sinceStr)
		if err != nil {
			log.Fatalf("Could not parse --since %q: %v", sinceStr, err)
		}
	}

	withService(func(ctx context.Context, svc *cwm.Service) error {
		entries, err := svc.Registry().GetAuditLog(ctx, registry.AuditFilter{
			Event:      event,
			SessionID:  session,
			WindowName: window,
			Severity:   severity,
			Since:      since,
			Limit:      limit,
		})
		if err != nil {
			return err
		}

		if len(entries) == 0 {
			fmt.Println("No audit entries found.")
			return nil
		}

		ux.Title("Audit Trail")
		for _, e := range entries {
			subject := e.SessionID
			if e.WindowName != "" {
				subject = e.WindowName
			}
			line := fmt.Sprintf("%s  %-22s %-28s",
				e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Event, subject)

			switch e.Severity {
			case "warning":
				ux.Warning(line)
			case "error":
				ux.Error(line)
			default:
				fmt.Println(line)
			}

			if len(e.Details) > 0 {
				if detail, err := json.Marshal(e.Details); err == nil {
					ux.Muted("    " + string(detail))
				}
			}
		}
		fmt.Printf("\n%d entries.\n", len(entries))
		return nil
	})
}

// parseSince reads a duration ("24h"), a date ("2026-01-02"), or an
// RFC3339 timestamp, always yielding a point in the past or an error.
func parseSince(s string) (time.Time, error) {
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(-d), nil
	}
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	return time.Time{}, fmt.Errorf("want a duration like 24h, a date like 2026-01-02, or an RFC3339 timestamp")
}
