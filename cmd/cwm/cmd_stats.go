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
)

func runStats(cmd *cobra.Command, args []string) {
	withService(func(ctx context.Context, svc *cwm.Service) error {
		stats := svc.CacheStats(ctx)

		store := stats.Store
		ux.Title("Block Store")
		ux.Info(fmt.Sprintf("Blocks:     %d (%s stored)", store.BlockCount, formatBytes(store.TotalBytesStored)))
		ux.Info(fmt.Sprintf("Lookups:    %d hits, %d misses (%.1f%% hit rate)",
			store.Hits, store.Misses, store.HitRate*100))
		ux.Info(fmt.Sprintf("Retrieved:  %s", formatBytes(store.TotalBytesRetrieved)))
		if store.Evictions > 0 {
			ux.Info(fmt.Sprintf("Evictions:  %d", store.Evictions))
		}
		if store.Demotions > 0 || store.Promotions > 0 {
			ux.Info(fmt.Sprintf("Tiering:    %d demotions, %d promotions", store.Demotions, store.Promotions))
		}

		if stats.Server == nil {
			ux.Warning("Inference server prefix cache stats unavailable.")
			return nil
		}

		server := stats.Server
		ux.Title("Server Prefix Cache")
		ux.Info(fmt.Sprintf("Queries:    %d (%d hits, %.1f%% hit rate)",
			server.Queries, server.Hits, server.HitRate*100))
		if server.NumCachedTokens > 0 {
			ux.Info(fmt.Sprintf("Cached:     %d tokens resident", server.NumCachedTokens))
		}
		return nil
	})
}
