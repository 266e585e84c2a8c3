package main

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/erc721-indexer/internal/indexer"
)

func sampleBatches() []indexer.BatchEntry {
	started := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	done := started.Add(1500 * time.Millisecond)
	return []indexer.BatchEntry{
		{
			ID:          "6f1c2a9e-0000-4000-8000-000000000001",
			FromBlock:   12287507,
			ToBlock:     12287606,
			Status:      indexer.StatusComplete,
			Attempts:    1,
			StartedAt:   started,
			CompletedAt: &done,
			Entities:    map[string]int{"Owner": 3, "Token": 2, "Transfer": 2},
		},
		{
			ID:        "b2",
			FromBlock: 12287607,
			ToBlock:   12287706,
			Status:    indexer.StatusFailed,
			Attempts:  3,
			StartedAt: started.Add(time.Minute),
			Error:     "indexer: batch 12287607-12287706: erc721: owner 0xabc0000000000000000000000000000000000def not registered",
		},
	}
}

func TestWriteBatches_Table(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBatches(&buf, "table", sampleBatches()))

	out := buf.String()
	assert.Contains(t, out, "BLOCKS")
	assert.Contains(t, out, "6f1c2a9e ")
	assert.Contains(t, out, "12287507-12287606")
	assert.Contains(t, out, "1.5s")
	assert.Contains(t, out, "failed")
	assert.Contains(t, out, "...")
}

func TestWriteBatches_Empty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBatches(&buf, "", nil))
	assert.Equal(t, "No batches recorded.\n", buf.String())
}

func TestWriteBatches_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBatches(&buf, "yaml", sampleBatches()))

	var got []map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 12287507, got[0]["from_block"])
	assert.Equal(t, "complete", got[0]["status"])
	assert.NotContains(t, got[0], "error")
	assert.Contains(t, got[1]["error"], "not registered")
}

func TestWriteBatches_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeBatches(&buf, "json", sampleBatches()))

	var got []indexer.BatchEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Entities["Owner"])
	assert.Nil(t, got[1].CompletedAt)
}

func TestWriteBatches_UnknownFormat(t *testing.T) {
	err := writeBatches(&bytes.Buffer{}, "xml", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "short", truncate("short", 10))
	assert.Equal(t, "abcdefg...", truncate("abcdefghijklmnop", 10))
	assert.Equal(t, "abc", shortID("abc"))
	assert.Equal(t, "12345678", shortID("123456789"))
}
