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
	"strings"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCache/pkg/ux"
	"github.com/AleutianAI/AleutianCache/services/cwm"
	"github.com/AleutianAI/AleutianCache/services/cwm/windows"
)

func runClone(cmd *cobra.Command, args []string) {
	sourceWindow, newWindow := args[0], args[1]

	description, _ := cmd.Flags().GetString("description")
	tags, _ := cmd.Flags().GetStringSlice("tags")

	// A nil tag slice copies the source's tags; an explicit --tags value
	// replaces them.
	var tagOverride []string
	if cmd.Flags().Changed("tags") {
		tagOverride = tags
	}

	withService(func(ctx context.Context, svc *cwm.Service) error {
		result, err := svc.Manager().Clone(ctx, sourceWindow, newWindow, windows.CloneOptions{
			Description: description,
			Tags:        tagOverride,
		})
		if err != nil {
			return err
		}

		ux.Success(fmt.Sprintf("Cloned window %s into %s", result.SourceWindow, result.NewWindowName))
		ux.Info(fmt.Sprintf("Blocks:  %d shared (%s, nothing copied)", result.BlockCount, formatBytes(result.TotalSizeBytes)))
		if len(result.Lineage) > 0 {
			ux.Info(fmt.Sprintf("Lineage: %s", strings.Join(result.Lineage, ", ")))
		}
		return nil
	})
}
