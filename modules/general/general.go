// Package general is the built-in fallback module: it accepts any prompt
// and answers with a structured acknowledgment. Deployments replace it (or
// add domain modules beside it) via the registry.
package general

import (
	"context"
	"strings"
	"time"

	"trident/internal/module"
)

// Definition returns the registry entry for the general module.
func Definition() module.Definition {
	return module.Definition{
		Name:    "general",
		Handler: module.HandlerFunc(handle),
	}
}

func handle(_ context.Context, in module.TaskInput) (module.TaskOutput, error) {
	start := time.Now()
	words := len(strings.Fields(in.Prompt))
	return module.TaskOutput{
		Result: map[string]any{
			"response": "received: " + in.Prompt,
			"handled":  true,
		},
		Session: in.Session,
		Module:  "general",
		Metrics: map[string]any{
			"prompt_words": words,
			"latency_ms":   time.Since(start).Milliseconds(),
		},
	}, nil
}
