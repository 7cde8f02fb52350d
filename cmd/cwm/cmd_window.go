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
	"github.com/AleutianAI/AleutianCache/services/cwm/registry"
)

func runWindowsList(cmd *cobra.Command, args []string) {
	tags, _ := cmd.Flags().GetStringSlice("tags")
	model, _ := cmd.Flags().GetString("model")
	session, _ := cmd.Flags().GetString("session")
	search, _ := cmd.Flags().GetString("search")
	sortBy, _ := cmd.Flags().GetString("sort-by")
	sortOrder, _ := cmd.Flags().GetString("sort-order")
	limit, _ := cmd.Flags().GetInt("limit")
	offset, _ := cmd.Flags().GetInt("offset")

	withService(func(ctx context.Context, svc *cwm.Service) error {
		items, total, err := svc.Registry().ListWindows(ctx, registry.ListWindowsOptions{
			Tags:      tags,
			Model:     model,
			SessionID: session,
			Search:    search,
			SortBy:    sortBy,
			SortOrder: sortOrder,
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			return err
		}

		if total == 0 {
			fmt.Println("No frozen windows found.")
			return nil
		}

		ux.Title("Frozen Windows")
		fmt.Printf("%-28s %-24s %8s %7s %10s  %s\n",
			"NAME", "MODEL", "TOKENS", "BLOCKS", "SIZE", "CREATED")
		for _, w := range items {
			fmt.Printf("%-28s %-24s %8d %7d %10s  %s\n",
				w.Name, w.Model, w.TokenCount, w.BlockCount,
				formatBytes(w.TotalSizeBytes),
				w.CreatedAt.Local().Format("2006-01-02 15:04"))
		}
		fmt.Printf("\nShowing %d of %d windows.\n", len(items), total)
		return nil
	})
}

func runWindowsInfo(cmd *cobra.Command, args []string) {
	name := args[0]

	withService(func(ctx context.Context, svc *cwm.Service) error {
		info, err := svc.Manager().WindowInfo(ctx, name)
		if err != nil {
			return err
		}

		w := info.Window
		ux.Title("Window " + w.Name)
		ux.Info(fmt.Sprintf("Session:     %s", w.SessionID))
		ux.Info(fmt.Sprintf("Model:       %s", w.Model))
		ux.Info(fmt.Sprintf("Tokens:      %d", w.TokenCount))
		ux.Info(fmt.Sprintf("Blocks:      %d (%s)", w.BlockCount, formatBytes(w.TotalSizeBytes)))
		ux.Info(fmt.Sprintf("Created:     %s", w.CreatedAt.Local().Format("2006-01-02 15:04:05")))
		if w.Description != "" {
			ux.Info(fmt.Sprintf("Description: %s", w.Description))
		}
		if len(w.Tags) > 0 {
			ux.Info(fmt.Sprintf("Tags:        %s", strings.Join(w.Tags, ", ")))
		}
		if w.ParentWindow != "" {
			ux.Info(fmt.Sprintf("Cloned from: %s", w.ParentWindow))
		}
		if len(info.Lineage) > 0 {
			ux.Info(fmt.Sprintf("Lineage:     %s", strings.Join(info.Lineage, ", ")))
		}

		if info.Verified {
			ux.Success(fmt.Sprintf("All %d blocks present in the store", info.BlocksExpected))
		} else {
			ux.Error(fmt.Sprintf("Only %d of %d blocks present; thaw will fail verification",
				info.BlocksFound, info.BlocksExpected))
		}
		return nil
	})
}

func runWindowsDelete(cmd *cobra.Command, args []string) {
	name := args[0]
	keepBlocks, _ := cmd.Flags().GetBool("keep-blocks")

	warning := fmt.Sprintf("This permanently deletes window %s and its stored blocks.", name)
	if keepBlocks {
		warning = fmt.Sprintf("This permanently deletes window %s. Stored blocks are kept.", name)
	}
	if !confirmOrAbort(cmd, warning) {
		return
	}

	withService(func(ctx context.Context, svc *cwm.Service) error {
		result, err := svc.Manager().DeleteWindow(ctx, name, !keepBlocks)
		if err != nil {
			return err
		}

		if result.BlocksDeleted > 0 {
			ux.Success(fmt.Sprintf("Deleted window %s and %d stored blocks", result.WindowName, result.BlocksDeleted))
		} else {
			ux.Success(fmt.Sprintf("Deleted window %s", result.WindowName))
		}
		return nil
	})
}
