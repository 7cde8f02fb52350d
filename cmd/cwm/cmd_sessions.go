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
	"fmt"
	"log"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCache/pkg/ux"
	"github.com/AleutianAI/AleutianCache/services/cwm"
	"github.com/AleutianAI/AleutianCache/services/cwm/cwmerr"
	"github.com/AleutianAI/AleutianCache/services/cwm/registry"
)

func runSessionsList(cmd *cobra.Command, args []string) {
	stateStr, _ := cmd.Flags().GetString("state")
	model, _ := cmd.Flags().GetString("model")
	limit, _ := cmd.Flags().GetInt("limit")

	var state registry.SessionState
	if stateStr != "" {
		parsed, ok := registry.ParseSessionState(stateStr)
		if !ok {
			log.Fatalf("Unknown state %q. Valid states: active, frozen, thawed, expired, deleted.", stateStr)
		}
		state = parsed
	}

	withService(func(ctx context.Context, svc *cwm.Service) error {
		sessions, err := svc.Registry().ListSessions(ctx, registry.ListSessionsOptions{
			State: state,
			Model: model,
			Limit: limit,
		})
		if err != nil {
			return err
		}

		if len(sessions) == 0 {
			fmt.Println("No sessions found.")
			return nil
		}

		ux.Title("Sessions")
		fmt.Printf("%-32s %-8s %-24s %8s  %s\n",
			"ID", "STATE", "MODEL", "TOKENS", "UPDATED")
		for _, s := range sessions {
			fmt.Printf("%-32s %-8s %-24s %8d  %s\n",
				s.ID, s.State, s.Model, s.TokenCount,
				s.UpdatedAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Printf("\n%d sessions.\n", len(sessions))
		return nil
	})
}

func runSessionsInfo(cmd *cobra.Command, args []string) {
	id := args[0]

	withService(func(ctx context.Context, svc *cwm.Service) error {
		session, err := svc.Registry().GetSession(ctx, id)
		if err != nil {
			return err
		}
		if session == nil {
			return cwmerr.NewSessionNotFound(id)
		}

		ux.Title("Session " + session.ID)
		ux.Info(fmt.Sprintf("State:   %s", session.State))
		ux.Info(fmt.Sprintf("Model:   %s", session.Model))
		ux.Info(fmt.Sprintf("Tokens:  %d", session.TokenCount))
		ux.Info(fmt.Sprintf("Created: %s", session.CreatedAt.Local().Format("2006-01-02 15:04:05")))
		ux.Info(fmt.Sprintf("Updated: %s", session.UpdatedAt.Local().Format("2006-01-02 15:04:05")))
		if session.FrozenAt != nil {
			ux.Info(fmt.Sprintf("Frozen:  %s", session.FrozenAt.Local().Format("2006-01-02 15:04:05")))
		}
		for key, value := range session.Metadata {
			ux.Muted(fmt.Sprintf("  %s: %v", key, value))
		}
		return nil
	})
}

func runSessionsExpire(cmd *cobra.Command, args []string) {
	id := args[0]

	withService(func(ctx context.Context, svc *cwm.Service) error {
		expired := registry.StateExpired
		session, err := svc.Registry().UpdateSession(ctx, id, registry.SessionUpdate{State: &expired})
		if err != nil {
			return err
		}

		ux.Success(fmt.Sprintf("Session %s is now %s", session.ID, session.State))
		return nil
	})
}

func runSessionsDelete(cmd *cobra.Command, args []string) {
	id := args[0]
	hard, _ := cmd.Flags().GetBool("hard")

	warning := fmt.Sprintf("This marks session %s as deleted.", id)
	if hard {
		warning = fmt.Sprintf("This permanently removes session %s from the registry.", id)
	}
	if !confirmOrAbort(cmd, warning) {
		return
	}

	withService(func(ctx context.Context, svc *cwm.Service) error {
		if err := svc.Registry().DeleteSession(ctx, id, hard); err != nil {
			return err
		}

		if hard {
			ux.Success(fmt.Sprintf("Removed session %s", id))
		} else {
			ux.Success(fmt.Sprintf("Deleted session %s", id))
		}
		return nil
	})
}
