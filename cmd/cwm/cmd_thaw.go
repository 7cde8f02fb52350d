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

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCache/pkg/ux"
	"github.com/AleutianAI/AleutianCache/services/cwm"
	"github.com/AleutianAI/AleutianCache/services/cwm/windows"
)

func runThaw(cmd *cobra.Command, args []string) {
	windowName := args[0]

	newSession, _ := cmd.Flags().GetString("session")
	skipWarmup, _ := cmd.Flags().GetBool("skip-warmup")
	continuation, _ := cmd.Flags().GetString("continuation")

	withService(func(ctx context.Context, svc *cwm.Service) error {
		spin := ux.NewSpinner(fmt.Sprintf("Thawing window %s", windowName))
		spin.Start()

		result, err := svc.Manager().Thaw(ctx, windowName, windows.ThawOptions{
			NewSessionID:       newSession,
			SkipWarmup:         skipWarmup,
			ContinuationPrompt: continuation,
		})
		if err != nil {
			spin.Stop()
			return err
		}
		spin.StopWithSuccess(fmt.Sprintf("Thawed window %s into session %s", result.WindowName, result.SessionID))

		ux.Info(fmt.Sprintf("Blocks:  %d/%d present", result.BlocksFound, result.BlocksExpected))
		ux.Info(fmt.Sprintf("Tokens:  %d", result.TokenCount))
		if result.CacheHit {
			ux.Info(fmt.Sprintf("Cache:   hit, %.0f%% of the prefix served from cache", result.CacheEfficiency*100))
		} else if !skipWarmup {
			ux.Info("Cache:   cold, the prefix will recompute on first use")
		}
		ux.Info(fmt.Sprintf("Took:    %d ms", result.RestorationTimeMs))

		for _, warning := range result.Warnings {
			ux.Warning(warning)
		}
		return nil
	})
}
