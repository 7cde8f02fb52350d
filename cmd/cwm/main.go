// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command cwm manages frozen context windows from the terminal.
//
// The CLI opens the registry, the block store, and the inference client
// directly, so it works against the same data as the cwmd server without
// requiring the server to be running.
//
// Usage:
//
//	cwm freeze chat-1 research-v1 --prompt-file prompt.txt
//	cwm thaw research-v1 --session research-continued
//	cwm clone research-v1 research-v2
//	cwm windows list --tags research --sort-by token_count
//	cwm sessions list --state frozen
//	cwm audit --since 24h
//	cwm health
//	cwm stats
//
// Output styling follows the CWM_PERSONALITY environment variable or the
// --personality flag (full, standard, minimal, machine).
package main

import "log"

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatalf("Error executing command: %v", err)
	}
}
