package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"loom/internal/logging"
	"loom/internal/services"
	"loom/internal/stage"
)

const maxTopicLength = 200

var titleCaser = cases.Title(language.English)

// Validator checks request parameters before any expensive stage runs.
type Validator struct {
	logger *slog.Logger
}

func NewValidator(logger *slog.Logger) *Validator {
	return &Validator{logger: logging.NewComponentLogger(logger, "validator")}
}

func (v *Validator) Execute(ctx context.Context, sc *stage.Context) (stage.Output, error) {
	logger := logging.WithContext(ctx, v.logger)

	topic := strings.TrimSpace(sc.Request.Topic)
	if topic == "" {
		if raw, ok := sc.Params["topic"].(string); ok {
			topic = strings.TrimSpace(raw)
		}
	}
	if topic == "" {
		return stage.Output{}, services.Wrap(
			services.ErrValidation,
			string(stage.Validation),
			"check topic",
			"Request has no topic; a non-empty topic is required",
			nil,
		)
	}
	if len(topic) > maxTopicLength {
		return stage.Output{}, services.Wrap(
			services.ErrValidation,
			string(stage.Validation),
			"check topic",
			fmt.Sprintf("Topic exceeds %d characters", maxTopicLength),
			nil,
		)
	}

	sections, err := stringSlice(sc.Params["sections"])
	if err != nil {
		return stage.Output{}, services.Wrap(
			services.ErrValidation,
			string(stage.Validation),
			"check sections",
			"Parameter \"sections\" must be a list of strings",
			nil,
		)
	}

	if raw, ok := sc.Params["personalization"]; ok && raw != nil {
		person, ok := raw.(map[string]any)
		if !ok {
			return stage.Output{}, services.Wrap(
				services.ErrValidation,
				string(stage.Validation),
				"check personalization",
				"Parameter \"personalization\" must be an object",
				nil,
			)
		}
		for key, value := range person {
			switch value.(type) {
			case string, bool, float64, int, int64, nil:
			default:
				return stage.Output{}, services.Wrap(
					services.ErrValidation,
					string(stage.Validation),
					"check personalization",
					fmt.Sprintf("Personalization field %q must be a scalar value", key),
					nil,
				)
			}
		}
	}

	variant := strings.TrimSpace(sc.Request.Variant)
	if variant == "" {
		variant = "default"
	}

	logger.Info("request parameters validated",
		logging.String("topic", topic),
		logging.String("variant", variant),
		logging.Int("sections", len(sections)),
	)

	return stage.Output{Payload: map[string]any{
		"topic":         topic,
		"display_topic": titleCaser.String(topic),
		"variant":       variant,
		"sections":      sections,
	}}, nil
}

func stringSlice(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}
	switch list := raw.(type) {
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string element %v", item)
			}
			if s = strings.TrimSpace(s); s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", raw)
	}
}
