package pipeline

import (
	"context"
	"log/slog"

	"loom/internal/logging"
	"loom/internal/notify"
	"loom/internal/services"
	"loom/internal/stage"
)

// Notifier tells the requester the generated outputs are ready. The stage is
// non-critical: an unreachable webhook never fails an otherwise complete
// request, since the polling API still reports completion.
type Notifier struct {
	service notify.Service
	logger  *slog.Logger
}

func NewNotifier(service notify.Service, logger *slog.Logger) *Notifier {
	return &Notifier{service: service, logger: logging.NewComponentLogger(logger, "notifier")}
}

func (n *Notifier) Execute(ctx context.Context, sc *stage.Context) (stage.Output, error) {
	logger := logging.WithContext(ctx, n.logger)

	var artifacts []string
	for _, name := range []stage.Name{stage.PostProcessing, stage.PrimaryGeneration, stage.SecondaryGeneration} {
		if out, ok := sc.Outputs[name]; ok {
			artifacts = append(artifacts, out.Artifacts...)
		}
	}

	if err := n.service.NotifyRequestCompleted(ctx, sc.Request.Token, sc.Request.Topic, artifacts); err != nil {
		return stage.Output{}, services.Wrap(services.ErrTransient, string(stage.Notification), "deliver webhook", "", err)
	}

	logger.Info("requester notified", logging.Int("artifacts", len(artifacts)))

	return stage.Output{Payload: map[string]any{"notified": true, "artifacts": len(artifacts)}}, nil
}
