package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTaskFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestReadTaskFileArray(t *testing.T) {
	path := writeTaskFile(t, "tasks.json", `[
		"bare prompt",
		{"prompt": "with id", "id": "t1"},
		{"prompt": "with meta", "category": "news", "rank": 2}
	]`)

	specs, err := readTaskFile(path)
	require.NoError(t, err)

	require.Len(t, specs, 3)
	assert.Equal(t, "bare prompt", specs[0].Prompt)
	assert.Empty(t, specs[0].ID)
	assert.Equal(t, "t1", specs[1].ID)
	assert.Equal(t, "with id", specs[1].Prompt)
	assert.Equal(t, map[string]any{"category": "news", "rank": float64(2)}, specs[2].Metadata)
}

func TestReadTaskFileJSONLines(t *testing.T) {
	path := writeTaskFile(t, "tasks.jsonl", `"first prompt"
{"prompt": "second", "id": "t2"}

{"prompt": "third", "source": "crawl"}
`)

	specs, err := readTaskFile(path)
	require.NoError(t, err)

	require.Len(t, specs, 3)
	assert.Equal(t, "first prompt", specs[0].Prompt)
	assert.Equal(t, "t2", specs[1].ID)
	assert.Equal(t, "third", specs[2].Prompt)
	assert.Equal(t, map[string]any{"source": "crawl"}, specs[2].Metadata)
}

func TestReadTaskFileRejectsMissingPrompt(t *testing.T) {
	path := writeTaskFile(t, "tasks.json", `[{"id": "t1"}]`)

	_, err := readTaskFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing prompt")
}

func TestReadTaskFileRejectsGarbage(t *testing.T) {
	path := writeTaskFile(t, "tasks.txt", "just some prose\nnot json at all")

	_, err := readTaskFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither a JSON array nor JSON lines")
}

func TestReadTaskFileRejectsEmpty(t *testing.T) {
	path := writeTaskFile(t, "tasks.jsonl", "\n\n")

	_, err := readTaskFile(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "contains no tasks")
}
