package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/stage"
)

// primaryDocument is the main generated artifact.
type primaryDocument struct {
	Title       string            `json:"title"`
	Topic       string            `json:"topic"`
	Variant     string            `json:"variant"`
	Sections    []documentSection `json:"sections"`
	GeneratedAt time.Time         `json:"generated_at"`
}

type documentSection struct {
	Name      string `json:"name"`
	Reference string `json:"reference"`
	Body      string `json:"body"`
}

// secondaryDocument is the derived companion artifact (summary form).
type secondaryDocument struct {
	Title       string    `json:"title"`
	Topic       string    `json:"topic"`
	Summary     []string  `json:"summary"`
	Primary     string    `json:"primary"`
	GeneratedAt time.Time `json:"generated_at"`
}

// PrimaryGenerator renders the main document from the retrieval manifest.
type PrimaryGenerator struct {
	logger *slog.Logger
}

func NewPrimaryGenerator(logger *slog.Logger) *PrimaryGenerator {
	return &PrimaryGenerator{logger: logging.NewComponentLogger(logger, "generator-primary")}
}

func (g *PrimaryGenerator) Execute(ctx context.Context, sc *stage.Context) (stage.Output, error) {
	logger := logging.WithContext(ctx, g.logger)

	manifest, err := loadManifest(sc)
	if err != nil {
		return stage.Output{}, err
	}
	validated := sc.Outputs[stage.Validation]
	title := payloadString(validated, "display_topic")
	if title == "" {
		title = manifest.Topic
	}

	doc := primaryDocument{
		Title:       title,
		Topic:       manifest.Topic,
		Variant:     manifest.Variant,
		GeneratedAt: time.Now().UTC(),
		Sections:    make([]documentSection, 0, len(manifest.Sources)),
	}
	for _, src := range manifest.Sources {
		select {
		case <-ctx.Done():
			return stage.Output{}, services.Wrap(services.ErrTimeout, string(stage.PrimaryGeneration), "render sections", "", ctx.Err())
		default:
		}
		doc.Sections = append(doc.Sections, documentSection{
			Name:      src.Section,
			Reference: src.Reference,
			Body:      renderSection(manifest.Topic, src.Section),
		})
	}

	dir, err := requestDir(sc)
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.PrimaryGeneration), "prepare artifact dir", "", err)
	}
	path, err := writeArtifact(dir, "primary.json", doc)
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.PrimaryGeneration), "write document", "", err)
	}

	logger.Info("primary document generated",
		logging.String("document", path),
		logging.Int("sections", len(doc.Sections)),
	)

	return stage.Output{
		Artifacts: []string{path},
		Payload: map[string]any{
			"document": path,
			"title":    doc.Title,
			"sections": len(doc.Sections),
		},
	}, nil
}

// SecondaryGenerator renders the companion summary. It is configured as a
// non-critical stage: a failure here degrades the result instead of failing
// the request.
type SecondaryGenerator struct {
	logger *slog.Logger
}

func NewSecondaryGenerator(logger *slog.Logger) *SecondaryGenerator {
	return &SecondaryGenerator{logger: logging.NewComponentLogger(logger, "generator-secondary")}
}

func (g *SecondaryGenerator) Execute(ctx context.Context, sc *stage.Context) (stage.Output, error) {
	logger := logging.WithContext(ctx, g.logger)

	primary, ok := sc.Outputs[stage.PrimaryGeneration]
	if !ok {
		return stage.Output{}, services.Wrap(
			services.ErrValidation,
			string(stage.SecondaryGeneration),
			"load inputs",
			"Primary document missing; secondary generation depends on it",
			nil,
		)
	}
	primaryPath := payloadString(primary, "document")

	var doc primaryDocument
	if err := readJSON(primaryPath, &doc); err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.SecondaryGeneration), "read primary document", "", err)
	}

	summary := secondaryDocument{
		Title:       doc.Title + " (summary)",
		Topic:       doc.Topic,
		Primary:     primaryPath,
		GeneratedAt: time.Now().UTC(),
		Summary:     make([]string, 0, len(doc.Sections)),
	}
	for _, section := range doc.Sections {
		summary.Summary = append(summary.Summary, summarize(section))
	}

	dir, err := requestDir(sc)
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.SecondaryGeneration), "prepare artifact dir", "", err)
	}
	path, err := writeArtifact(dir, "secondary.json", summary)
	if err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.SecondaryGeneration), "write summary", "", err)
	}

	logger.Info("secondary document generated", logging.String("document", path))

	return stage.Output{
		Artifacts: []string{path},
		Payload:   map[string]any{"document": path},
	}, nil
}

func loadManifest(sc *stage.Context) (*sourceManifest, error) {
	retrieved, ok := sc.Outputs[stage.Retrieval]
	if !ok {
		return nil, services.Wrap(
			services.ErrValidation,
			string(stage.PrimaryGeneration),
			"load inputs",
			"Retrieval manifest missing; generation cannot run before retrieval",
			nil,
		)
	}
	var manifest sourceManifest
	if err := readJSON(payloadString(retrieved, "manifest"), &manifest); err != nil {
		return nil, services.Wrap(services.ErrTransient, string(stage.PrimaryGeneration), "read manifest", "", err)
	}
	return &manifest, nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(data, v)
}

func renderSection(topic, section string) string {
	return "Generated " + section + " content for " + topic + "."
}

func summarize(section documentSection) string {
	body := section.Body
	if len(body) > 80 {
		body = body[:80]
	}
	return section.Name + ": " + body
}
