package pipeline

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"os"
	"time"

	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/stage"
)

// bundleManifest is the final deliverable artifact: a checksummed index of
// everything the pipeline produced for the request.
type bundleManifest struct {
	Token       string        `json:"token"`
	Topic       string        `json:"topic"`
	Variant     string        `json:"variant"`
	Entries     []bundleEntry `json:"entries"`
	AssembledAt time.Time     `json:"assembled_at"`
}

type bundleEntry struct {
	Role     string `json:"role"`
	Path     string `json:"path"`
	Checksum string `json:"checksum"`
	Bytes    int64  `json:"bytes"`
}

// PostProcessor assembles the bundle from the generated documents.
type PostProcessor struct {
	logger *slog.Logger
}

func NewPostProcessor(logger *slog.Logger) *PostProcessor {
	return &PostProcessor{logger: logging.NewComponentLogger(logger, "postprocessor")}
}

func (p *PostProcessor) Execute(ctx context.Context, sc *stage.Context) (stage.Output, error) {
	logger := logging.WithContext(ctx, p.logger)

	primary, ok := sc.Outputs[stage.PrimaryGeneration]
	if !ok {
		return stage.Output{}, services.Wrap(
			services.ErrValidation,
			string(stage.PostProcessing),
			"load inputs",
			"Primary document missing; nothing to assemble",
			nil,
		)
	}

	bundle := bundleManifest{
		Token:       sc.Request.Token,
		Topic:       sc.Request.Topic,
		Variant:     sc.Request.Variant,
		AssembledAt: time.Now().UTC(),
	}

	entry, err := checksumEntry("primary", payloadString(primary, "document"))
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.PostProcessing), "checksum primary", "", err)
	}
	bundle.Entries = append(bundle.Entries, entry)

	// The secondary document is optional: its stage is non-critical and may
	// have failed without failing the request.
	if secondary, ok := sc.Outputs[stage.SecondaryGeneration]; ok {
		if path := payloadString(secondary, "document"); path != "" {
			entry, err := checksumEntry("secondary", path)
			if err != nil {
				logger.Warn("skipping unreadable secondary document",
					logging.String("document", path), logging.Error(err))
			} else {
				bundle.Entries = append(bundle.Entries, entry)
			}
		}
	}

	dir, err := requestDir(sc)
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.PostProcessing), "prepare artifact dir", "", err)
	}
	path, err := writeArtifact(dir, "bundle.json", bundle)
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.PostProcessing), "write bundle", "", err)
	}

	logger.Info("bundle assembled",
		logging.String("bundle", path),
		logging.Int("entries", len(bundle.Entries)),
	)

	return stage.Output{
		Artifacts: []string{path},
		Payload: map[string]any{
			"bundle":  path,
			"entries": len(bundle.Entries),
		},
	}, nil
}

func checksumEntry(role, path string) (bundleEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return bundleEntry{}, err
	}
	sum := sha256.Sum256(data)
	return bundleEntry{
		Role:     role,
		Path:     path,
		Checksum: hex.EncodeToString(sum[:]),
		Bytes:    int64(len(data)),
	}, nil
}
