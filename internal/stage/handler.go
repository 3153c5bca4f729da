package stage

import (
	"context"
	"log/slog"

	"loom/internal/store"
)

// Context carries everything a stage handler may consume. Handlers must be
// safely re-runnable: a handler previously invoked but not completed can be
// invoked again with the same Context.
type Context struct {
	Request     *store.Request
	Params      map[string]any
	ArtifactDir string
	Logger      *slog.Logger

	// Outputs holds the payloads of previously completed stages, keyed by
	// stage name. Populated from persisted stage records on resume.
	Outputs map[Name]Output
}

// Output is the result of one successful stage invocation.
type Output struct {
	// Artifacts lists references (paths or object keys) the stage produced.
	Artifacts []string `json:"artifacts,omitempty"`
	// Payload carries structured stage output persisted on the record.
	Payload map[string]any `json:"payload,omitempty"`
}

// Handler is the contract the pipeline core needs from each stage. The actual
// generation algorithms live behind this interface and are supplied by the
// daemon at wiring time.
type Handler interface {
	Execute(ctx context.Context, sc *Context) (Output, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, sc *Context) (Output, error)

func (f HandlerFunc) Execute(ctx context.Context, sc *Context) (Output, error) {
	return f(ctx, sc)
}

// Registry maps stage names to their handlers. A registry is complete when
// every configured stage has a handler.
type Registry map[Name]Handler

// Complete reports the first configured stage missing a handler, if any.
func (r Registry) Complete() (Name, bool) {
	for _, def := range definitions {
		if _, ok := r[def.Name]; !ok {
			return def.Name, false
		}
	}
	return "", true
}
