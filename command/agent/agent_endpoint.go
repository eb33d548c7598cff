// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"net/http"
)

// HealthResponse is the /v1/agent/health payload.
type HealthResponse struct {
	Status         string `json:"status"`
	NodeName       string `json:"node_name"`
	RunningTasks   int    `json:"running_tasks"`
	Processor      bool   `json:"processor_running"`
	RebootRequired bool   `json:"reboot_required"`
	RebootReason   string `json:"reboot_reason,omitempty"`
}

// HealthRequest reports liveness plus the reboot-required flag.
func (s *HTTPServer) HealthRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet && req.Method != http.MethodHead {
		return nil, CodedError(405, "method not allowed")
	}

	rebootRequired, reason := s.agent.RebootStatus()
	return &HealthResponse{
		Status:         "ok",
		NodeName:       s.agent.config.NodeName,
		RunningTasks:   s.agent.scheduler.RunningCount(),
		Processor:      s.agent.scheduler.ProcessorRunning(),
		RebootRequired: rebootRequired,
		RebootReason:   reason,
	}, nil
}

// ZonesRequest lists the zone table as maintained by discovery.
func (s *HTTPServer) ZonesRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	if req.Method != http.MethodGet {
		return nil, CodedError(405, "method not allowed")
	}
	return s.agent.store.ListZones(req.Context())
}
