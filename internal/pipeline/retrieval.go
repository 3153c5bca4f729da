package pipeline

import (
	"context"
	"log/slog"
	"strings"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/stage"
)

// defaultSections seeds retrieval when the requester did not name any.
var defaultSections = []string{"overview", "details", "references"}

// sourceManifest is the retrieval artifact consumed by the generation stages.
type sourceManifest struct {
	Topic     string         `json:"topic"`
	Variant   string         `json:"variant"`
	Sources   []sourceRecord `json:"sources"`
	Requester string         `json:"requester,omitempty"`
}

type sourceRecord struct {
	Section   string `json:"section"`
	Reference string `json:"reference"`
}

// Retriever assembles the source manifest for a validated request.
type Retriever struct {
	cfg    *config.Config
	logger *slog.Logger
}

func NewRetriever(cfg *config.Config, logger *slog.Logger) *Retriever {
	return &Retriever{cfg: cfg, logger: logging.NewComponentLogger(logger, "retriever")}
}

func (r *Retriever) Execute(ctx context.Context, sc *stage.Context) (stage.Output, error) {
	logger := logging.WithContext(ctx, r.logger)

	validated, ok := sc.Outputs[stage.Validation]
	if !ok {
		return stage.Output{}, services.Wrap(
			services.ErrValidation,
			string(stage.Retrieval),
			"load inputs",
			"Validation output missing; retrieval cannot run before validation",
			nil,
		)
	}
	topic := payloadString(validated, "topic")
	variant := payloadString(validated, "variant")

	sections, _ := stringSlice(validated.Payload["sections"])
	if len(sections) == 0 {
		sections = defaultSections
	}

	slug := topicSlug(topic)
	manifest := sourceManifest{
		Topic:     topic,
		Variant:   variant,
		Requester: sc.Request.Requester,
		Sources:   make([]sourceRecord, 0, len(sections)),
	}
	for _, section := range sections {
		manifest.Sources = append(manifest.Sources, sourceRecord{
			Section:   section,
			Reference: "loom://corpus/" + slug + "/" + topicSlug(section),
		})
	}

	dir, err := requestDir(sc)
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.Retrieval), "prepare artifact dir", "", err)
	}
	path, err := writeArtifact(dir, "manifest.json", manifest)
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.Retrieval), "write manifest", "", err)
	}

	logger.Info("source manifest assembled",
		logging.String("manifest", path),
		logging.Int("sources", len(manifest.Sources)),
	)

	return stage.Output{
		Artifacts: []string{path},
		Payload: map[string]any{
			"manifest": path,
			"sources":  len(manifest.Sources),
		},
	}, nil
}

func topicSlug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	fields := strings.FieldsFunc(s, func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	return strings.Join(fields, "-")
}
