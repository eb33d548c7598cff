// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
)

const (
	// defaultTraceDuration bounds a trace when the caller gives none.
	defaultTraceDuration = 30 * time.Second

	// maxTraceDuration keeps a trace inside the operation's timeout.
	maxTraceDuration = 4 * time.Minute

	// defaultTraceOutputLimit caps the captured syscall stream; only the
	// most recent output is kept.
	defaultTraceOutputLimit = 1 << 20
)

// traceHandlers attach truss to a running process for a bounded window and
// return the captured syscall trace.
type traceHandlers struct {
	*Deps
}

func newTraceHandlers(deps *Deps) *traceHandlers {
	return &traceHandlers{deps}
}

func (t *traceHandlers) register(r *engine.Registry) {
	r.Register(engine.OpProcessTrace, t.handleTrace)
}

type traceParams struct {
	PID int `json:"pid"`

	// DurationSeconds is how long to stay attached.
	DurationSeconds int `json:"duration_seconds,omitempty"`

	// OutputLimitBytes caps the captured trace; 0 uses the default.
	OutputLimitBytes int64 `json:"output_limit_bytes,omitempty"`
}

func (t *traceHandlers) handleTrace(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
	var params traceParams
	if err := decode(metadata, &params); err != nil {
		return nil, err
	}
	if params.PID <= 0 {
		return nil, fmt.Errorf("missing pid")
	}

	duration := defaultTraceDuration
	if params.DurationSeconds > 0 {
		duration = time.Duration(params.DurationSeconds) * time.Second
	}
	if duration > maxTraceDuration {
		return nil, fmt.Errorf("trace duration %s exceeds the %s maximum", duration, maxTraceDuration)
	}
	limit := params.OutputLimitBytes
	if limit <= 0 {
		limit = defaultTraceOutputLimit
	}

	// truss runs until killed; the command timeout IS the trace window,
	// so the timeout kill is the expected way out.
	res, err := t.Runner.Run(ctx, executor.Command{
		Args:        []string{"pfexec", "truss", "-f", "-p", fmt.Sprintf("%d", params.PID)},
		Timeout:     duration,
		OutputLimit: limit,
	})
	if err != nil {
		var timeoutErr *executor.TimeoutError
		if !errors.As(err, &timeoutErr) {
			return nil, fmt.Errorf("failed to trace pid %d: %w", params.PID, err)
		}
	}

	// truss writes the trace to stderr. Keep the tail when it overflows
	// the cap; the most recent calls are the interesting ones.
	output := res.Stderr
	if output == "" {
		output = res.Stdout
	}
	truncated := false
	if int64(len(output)) > limit {
		output = output[int64(len(output))-limit:]
		truncated = true
	}
	return &structs.HandlerResult{
		Message: fmt.Sprintf("traced pid %d for %s", params.PID, duration),
		Extra: map[string]interface{}{
			"pid":       params.PID,
			"duration":  duration.String(),
			"trace":     output,
			"truncated": truncated,
		},
	}, nil
}
