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
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewGCSStore_RequiresBucket(t *testing.T) {
	_, err := NewGCSStore(context.Background(), GCSConfig{}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")
}

// TestNewGCSStore_BadCredentialsFile verifies that credential problems
// surface at construction, before any bucket operation.
func TestNewGCSStore_BadCredentialsFile(t *testing.T) {
	keyPath := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(keyPath, []byte("not valid json"), 0600))

	_, err := NewGCSStore(context.Background(), GCSConfig{
		Bucket:          "test-bucket",
		CredentialsFile: keyPath,
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create GCS storage client")
}

func TestNewGCSStore_MissingCredentialsFile(t *testing.T) {
	_, err := NewGCSStore(context.Background(), GCSConfig{
		Bucket:          "test-bucket",
		CredentialsFile: "/nonexistent/path/to/key.json",
	}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to create GCS storage client")
}

// TestGCSStore_ObjectNaming verifies the object layout. Unlike the disk
// store there is no two-character shard level; buckets handle wide
// keyspaces without directory fanout.
func TestGCSStore_ObjectNaming(t *testing.T) {
	hash := "0123456789abcdef"

	scoped := &GCSStore{prefix: "aleutian/cwm"}
	assert.Equal(t, "aleutian/cwm/blocks/"+hash, scoped.blockObject(hash))
	assert.Equal(t, "aleutian/cwm/meta/"+hash+".json", scoped.metaObject(hash))

	unscoped := &GCSStore{}
	assert.Equal(t, "blocks/"+hash, unscoped.blockObject(hash))
	assert.Equal(t, "meta/"+hash+".json", unscoped.metaObject(hash))
}

func TestGCSStore_MetricsZeroValue(t *testing.T) {
	s := &GCSStore{}
	m := s.Metrics()
	assert.Zero(t, m.BlockCount)
	assert.Zero(t, m.Hits)
	assert.Zero(t, m.Misses)
	assert.Zero(t, m.TotalBytesStored)
}

// TestGCSStore_Integration_RoundTrip exercises a real bucket and is
// skipped unless CWM_TEST_GCS_BUCKET is set. CWM_TEST_GCS_CREDENTIALS
// may name a service account key; otherwise application default
// credentials are used. Objects are written under the cwm-test prefix
// and removed before the test ends.
func TestGCSStore_Integration_RoundTrip(t *testing.T) {
	bucket := os.Getenv("CWM_TEST_GCS_BUCKET")
	if bucket == "" {
		t.Skip("Skipping integration test: CWM_TEST_GCS_BUCKET not set")
	}

	ctx := context.Background()
	s, err := NewGCSStore(ctx, GCSConfig{
		Bucket:          bucket,
		Prefix:          "cwm-test",
		CredentialsFile: os.Getenv("CWM_TEST_GCS_CREDENTIALS"),
	}, nil)
	require.NoError(t, err)
	defer s.Close()

	require.True(t, s.Health(ctx), "bucket should be reachable")

	data := []byte("cold tier integration payload")
	hash := ComputeBlockHash(data, "it-session", 0)
	defer s.Delete(ctx, []string{hash})

	stored, err := s.Store(ctx, map[string][]byte{hash: data}, "it-session", nil)
	require.NoError(t, err)
	require.True(t, stored.Success())
	assert.Equal(t, int64(len(data)), stored.TotalBytes)

	exists, err := s.Exists(ctx, []string{hash})
	require.NoError(t, err)
	assert.True(t, exists[hash])

	got, err := s.Retrieve(ctx, []string{hash})
	require.NoError(t, err)
	assert.Equal(t, data, got.Found[hash])
	assert.Empty(t, got.Missing)

	md, err := s.Metadata(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, md)
	assert.Equal(t, hash, md.BlockHash)
	assert.Equal(t, "it-session", md.SessionID)
	assert.Equal(t, BackendGCS, md.Backend)

	deleted, err := s.Delete(ctx, []string{hash})
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	exists, err = s.Exists(ctx, []string{hash})
	require.NoError(t, err)
	assert.False(t, exists[hash])

	md, err = s.Metadata(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, md)
}
