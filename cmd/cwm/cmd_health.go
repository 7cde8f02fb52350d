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
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/AleutianAI/AleutianCache/pkg/ux"
	"github.com/AleutianAI/AleutianCache/services/cwm"
)

func runHealth(cmd *cobra.Command, args []string) {
	withService(func(ctx context.Context, svc *cwm.Service) error {
		resp := svc.Health(ctx)

		switch resp.Status {
		case cwm.HealthHealthy:
			ux.Success(fmt.Sprintf("cwm %s is healthy", resp.Version))
		case cwm.HealthDegraded:
			ux.Warning(fmt.Sprintf("cwm %s is degraded: thaw completes with warnings", resp.Version))
		default:
			ux.Error(fmt.Sprintf("cwm %s is unhealthy", resp.Version))
		}

		for _, name := range []string{"store", "registry", "vllm"} {
			comp, ok := resp.Components[name]
			if !ok {
				continue
			}
			if comp.Status == cwm.HealthHealthy {
				ux.Info(fmt.Sprintf("%-10s %s", name, comp.Status))
			} else {
				ux.Info(fmt.Sprintf("%-10s %s (%s)", name, comp.Status, comp.Detail))
			}
		}

		if resp.Status == cwm.HealthUnhealthy {
			return errors.New("a load-bearing component is down")
		}
		return nil
	})
}
