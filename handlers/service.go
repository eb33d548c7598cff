// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package handlers

import (
	"context"
	"fmt"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/executor"
)

// serviceHandlers are thin wrappers over svcadm.
type serviceHandlers struct {
	*Deps
}

func newServiceHandlers(deps *Deps) *serviceHandlers {
	return &serviceHandlers{deps}
}

func (s *serviceHandlers) register(r *engine.Registry) {
	r.Register(engine.OpServiceEnable, s.handler("enable"))
	r.Register(engine.OpServiceDisable, s.handler("disable"))
	r.Register(engine.OpServiceRestart, s.handler("restart"))
	r.Register(engine.OpServiceRefresh, s.handler("refresh"))
}

type serviceParams struct {
	FMRI string `json:"fmri"`

	// Temporary applies the change without persisting it across reboot.
	// Only meaningful for enable and disable.
	Temporary bool `json:"temporary,omitempty"`
}

func (s *serviceHandlers) handler(verb string) engine.Handler {
	return func(ctx context.Context, metadata []byte, _ engine.Progress) (*structs.HandlerResult, error) {
		var params serviceParams
		if err := decode(metadata, &params); err != nil {
			return nil, err
		}
		if params.FMRI == "" {
			return nil, fmt.Errorf("missing fmri")
		}

		args := []string{"pfexec", "svcadm", verb}
		if params.Temporary && (verb == "enable" || verb == "disable") {
			args = append(args, "-t")
		}
		args = append(args, params.FMRI)

		if _, err := s.Runner.Run(ctx, executor.Command{Args: args}); err != nil {
			return nil, fmt.Errorf("svcadm %s %s failed: %w", verb, params.FMRI, err)
		}
		return &structs.HandlerResult{
			Message: fmt.Sprintf("service %s %sd", params.FMRI, verb),
		}, nil
	}
}
