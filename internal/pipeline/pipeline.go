package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"loom/internal/config"
	"loom/internal/notify"
	"loom/internal/stage"
)

// NewRegistry wires the built-in handlers for every configured stage.
func NewRegistry(cfg *config.Config, notifier notify.Service, logger *slog.Logger) stage.Registry {
	return stage.Registry{
		stage.Validation:          NewValidator(logger),
		stage.Retrieval:           NewRetriever(cfg, logger),
		stage.PrimaryGeneration:   NewPrimaryGenerator(logger),
		stage.SecondaryGeneration: NewSecondaryGenerator(logger),
		stage.PostProcessing:      NewPostProcessor(logger),
		stage.Notification:        NewNotifier(notifier, logger),
	}
}

// requestDir returns (creating if needed) the per-request artifact directory.
func requestDir(sc *stage.Context) (string, error) {
	dir := filepath.Join(sc.ArtifactDir, sc.Request.Token)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact directory: %w", err)
	}
	return dir, nil
}

// writeArtifact persists v as indented JSON under dir. Writes go through a
// temp file and rename so re-runs never leave a partial artifact behind.
func writeArtifact(dir, name string, v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode artifact %s: %w", name, err)
	}
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return "", fmt.Errorf("stage artifact %s: %w", name, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("flush artifact %s: %w", name, err)
	}
	final := filepath.Join(dir, name)
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("publish artifact %s: %w", name, err)
	}
	return final, nil
}

// payloadString pulls a string field out of a prior stage's payload.
func payloadString(out stage.Output, key string) string {
	if out.Payload == nil {
		return ""
	}
	s, _ := out.Payload[key].(string)
	return s
}
