// Command rotogen runs a generation batch from the command line: it loads
// configuration, reads a task file, dispatches the batch across the
// configured API keys, and prints final statistics.
package main

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotogen/rotogen"
	"github.com/rotogen/rotogen/config"
	"github.com/rotogen/rotogen/logging"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file (optional; env vars always apply)")
	flag.Parse()

	if err := run(*configPath); err != nil {
		slog.Error("batch run failed", "error", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := logging.Setup(logging.Options{
		Level: cfg.Log.Level,
		JSON:  cfg.Log.JSON,
	})

	specs, err := readTaskFile(cfg.Batch.TaskFile)
	if err != nil {
		return err
	}
	logger.Info("task file loaded",
		"path", cfg.Batch.TaskFile,
		"tasks", len(specs))

	gen, err := rotogen.New(rotogen.Config{
		ModelName:          cfg.Generator.ModelName,
		APIKeys:            cfg.Generator.APIKeys,
		WorkersPerKey:      cfg.Generator.WorkersPerKey,
		RateLimitPerSlot:   secondsToDuration(cfg.Generator.RateLimitSeconds),
		SystemInstruction:  cfg.Generator.SystemInstruction,
		Temperature:        float32(cfg.Generator.Temperature),
		ErrorLogPath:       cfg.Generator.ErrorLogPath,
		EnableMonitoring:   cfg.Generator.EnableMonitoring,
		MonitoringInterval: secondsToDuration(cfg.Generator.MonitorSeconds),
		Logger:             logger,
	})
	if err != nil {
		return err
	}
	defer func() { _ = gen.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	results, err := gen.GenerateBatch(ctx, specs, rotogen.BatchOptions{
		OutputFile:        cfg.Batch.OutputFile,
		ParseJSON:         cfg.Batch.ParseJSON,
		MaxRetriesPerTask: &cfg.Batch.MaxRetries,
	})

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	logger.Info("batch results",
		"total", len(results),
		"succeeded", succeeded,
		"failed", len(results)-succeeded)

	return err
}

// readTaskFile parses a task file as either a JSON array or JSON lines.
// Entries are bare prompt strings or objects with a required "prompt", an
// optional "id", and any further fields carried through as metadata.
func readTaskFile(path string) ([]rotogen.TaskSpec, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read task file %s: %w", path, err)
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(raw, &entries); err != nil {
		entries, err = splitTaskLines(raw)
		if err != nil {
			return nil, fmt.Errorf("task file %s is neither a JSON array nor JSON lines: %w", path, err)
		}
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("task file %s contains no tasks", path)
	}

	return parseTaskEntries(entries)
}

// splitTaskLines treats the file as JSON lines, one entry per non-empty
// line.
func splitTaskLines(raw []byte) ([]json.RawMessage, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	var entries []json.RawMessage
	line := 0
	for scanner.Scan() {
		line++
		trimmed := bytes.TrimSpace(scanner.Bytes())
		if len(trimmed) == 0 {
			continue
		}
		if !json.Valid(trimmed) {
			return nil, fmt.Errorf("line %d is not valid JSON", line)
		}
		entries = append(entries, append(json.RawMessage(nil), trimmed...))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return entries, nil
}

func parseTaskEntries(entries []json.RawMessage) ([]rotogen.TaskSpec, error) {
	specs := make([]rotogen.TaskSpec, 0, len(entries))
	for i, entry := range entries {
		var prompt string
		if err := json.Unmarshal(entry, &prompt); err == nil {
			specs = append(specs, rotogen.TaskSpec{Prompt: prompt})
			continue
		}

		var obj map[string]any
		if err := json.Unmarshal(entry, &obj); err != nil {
			return nil, fmt.Errorf("task %d: expected string or object: %w", i, err)
		}
		prompt, _ = obj["prompt"].(string)
		if prompt == "" {
			return nil, fmt.Errorf("task %d: missing prompt", i)
		}
		id, _ := obj["id"].(string)
		delete(obj, "prompt")
		delete(obj, "id")
		spec := rotogen.TaskSpec{ID: id, Prompt: prompt}
		if len(obj) > 0 {
			spec.Metadata = obj
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

func secondsToDuration(secs float64) time.Duration {
	return time.Duration(secs * float64(time.Second))
}
