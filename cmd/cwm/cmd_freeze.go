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
	"os"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCache/pkg/ux"
	"github.com/AleutianAI/AleutianCache/services/cwm"
	"github.com/AleutianAI/AleutianCache/services/cwm/windows"
)

func runFreeze(cmd *cobra.Command, args []string) {
	sessionID, windowName := args[0], args[1]

	prompt, _ := cmd.Flags().GetString("prompt")
	promptFile, _ := cmd.Flags().GetString("prompt-file")
	if promptFile != "" {
		data, err := os.ReadFile(promptFile)
		if err != nil {
			log.Fatalf("Could not read prompt file %s: %v", promptFile, err)
		}
		prompt = string(data)
	}
	description, _ := cmd.Flags().GetString("description")
	tags, _ := cmd.Flags().GetStringSlice("tags")

	withService(func(ctx context.Context, svc *cwm.Service) error {
		spin := ux.NewSpinner(fmt.Sprintf("Freezing session %s into window %s", sessionID, windowName))
		spin.Start()

		result, err := svc.Manager().Freeze(ctx, sessionID, windowName, windows.FreezeOptions{
			PromptPrefix: prompt,
			Description:  description,
			Tags:         tags,
		})
		if err != nil {
			spin.Stop()
			return err
		}
		spin.StopWithSuccess(fmt.Sprintf("Froze session %s into window %s", result.SessionID, result.WindowName))

		ux.Info(fmt.Sprintf("Blocks:  %d (%s)", result.BlockCount, formatBytes(result.TotalSizeBytes)))
		ux.Info(fmt.Sprintf("Tokens:  %d", result.TokenCount))
		ux.Info(fmt.Sprintf("Prompt:  %s", shortHash(result.PromptHash)))
		ux.Info(fmt.Sprintf("Took:    %d ms", result.DurationMs))
		return nil
	})
}

// shortHash abbreviates a hex digest for display.
func shortHash(hash string) string {
	if len(hash) <= 12 {
		return hash
	}
	return hash[:12]
}
