// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/openzoned/zoned/engine/structs"
)

// TaskListResponse is the /v1/tasks list payload.
type TaskListResponse struct {
	Tasks        []*structs.Task `json:"tasks"`
	RunningCount int             `json:"running_count"`

	// Total is the unpaginated match count, present when the request
	// asked for include_count.
	Total *int `json:"total,omitempty"`
}

// TasksRequest serves the task collection: list on GET, enqueue on PUT or
// POST.
func (s *HTTPServer) TasksRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	switch req.Method {
	case http.MethodGet:
		return s.taskList(req)
	case http.MethodPut, http.MethodPost:
		return s.taskEnqueue(req)
	default:
		return nil, CodedError(405, "method not allowed")
	}
}

func validStatus(status string) bool {
	for _, s := range structs.ValidTaskStatuses {
		if s == status {
			return true
		}
	}
	return false
}

func (s *HTTPServer) taskList(req *http.Request) (interface{}, error) {
	query := req.URL.Query()
	filter := structs.TaskListFilter{
		Status:      query.Get("status"),
		Target:      query.Get("target"),
		Operation:   query.Get("operation"),
		OperationNE: query.Get("operation_ne"),
		Limit:       s.agent.config.DefaultPaginationLimit,
	}

	if filter.Status != "" && !validStatus(filter.Status) {
		return nil, CodedError(400, "invalid status filter")
	}
	if raw := query.Get("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return nil, CodedError(400, "since must be RFC3339")
		}
		filter.Since = &since
	}
	if raw := query.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			return nil, CodedError(400, "limit must be a positive integer")
		}
		filter.Limit = limit
	}

	ctx := req.Context()
	tasks, err := s.agent.store.ListTasks(ctx, &filter)
	if err != nil {
		return nil, err
	}

	out := &TaskListResponse{
		Tasks:        tasks,
		RunningCount: s.agent.scheduler.RunningCount(),
	}
	if query.Get("include_count") == "true" {
		total, err := s.agent.store.CountTasks(ctx, &filter)
		if err != nil {
			return nil, err
		}
		out.Total = &total
	}
	return out, nil
}

func (s *HTTPServer) taskEnqueue(req *http.Request) (interface{}, error) {
	var spec structs.TaskSpec
	if err := json.NewDecoder(req.Body).Decode(&spec); err != nil {
		return nil, CodedError(400, "invalid task spec: "+err.Error())
	}

	task, err := s.agent.scheduler.Enqueue(req.Context(), &spec)
	if err != nil {
		return nil, CodedError(400, err.Error())
	}
	return task, nil
}

// taskCancelConflict is the 400 payload when the task has already left
// pending.
type taskCancelConflict struct {
	Error         string `json:"error"`
	CurrentStatus string `json:"current_status"`
}

// TaskSpecificRequest serves /v1/tasks/<id> and /v1/tasks/stats.
func (s *HTTPServer) TaskSpecificRequest(resp http.ResponseWriter, req *http.Request) (interface{}, error) {
	path := strings.TrimPrefix(req.URL.Path, "/v1/tasks/")
	if path == "stats" {
		if req.Method != http.MethodGet {
			return nil, CodedError(405, "method not allowed")
		}
		return s.agent.scheduler.Stats(req.Context())
	}
	if path == "" || strings.Contains(path, "/") {
		return nil, CodedError(404, "not found")
	}

	switch req.Method {
	case http.MethodGet:
		task, err := s.agent.store.GetTask(req.Context(), path)
		if errors.Is(err, structs.ErrTaskNotFound) {
			return nil, CodedError(404, err.Error())
		}
		if err != nil {
			return nil, err
		}
		return task, nil

	case http.MethodDelete:
		err := s.agent.store.CancelTask(req.Context(), path)
		if errors.Is(err, structs.ErrTaskNotFound) {
			return nil, CodedError(404, err.Error())
		}
		var notCancellable *structs.ErrTaskNotCancellable
		if errors.As(err, &notCancellable) {
			resp.Header().Set("Content-Type", "application/json")
			resp.WriteHeader(400)
			json.NewEncoder(resp).Encode(&taskCancelConflict{
				Error:         err.Error(),
				CurrentStatus: notCancellable.CurrentStatus,
			})
			return nil, nil
		}
		if err != nil {
			return nil, err
		}
		resp.WriteHeader(http.StatusNoContent)
		return nil, nil

	default:
		return nil, CodedError(405, "method not allowed")
	}
}
