// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// ComputeBlockHash derives the content address for a KV-cache block.
//
// # Description
//
// The digest covers the owning session id, the model layer index, and the
// payload bytes, in that order. The session id namespaces the hash so two
// sessions caching identical content never share blocks; within one
// session and layer, identical payloads always collide to the same key,
// which is what lets cloned windows reference blocks instead of copying
// them.
//
// # Inputs
//
//   - data: The block payload.
//   - sessionID: Owning session, already normalized.
//   - layerIndex: Model layer this block belongs to.
//
// # Outputs
//
//   - string: 64 lowercase hex characters (SHA-256).
func ComputeBlockHash(data []byte, sessionID string, layerIndex int) string {
	h := sha256.New()
	h.Write([]byte(sessionID))
	h.Write([]byte(strconv.Itoa(layerIndex)))
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
