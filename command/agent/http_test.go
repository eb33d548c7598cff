// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: BUSL-1.1

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openzoned/zoned/engine"
	"github.com/openzoned/zoned/engine/structs"
	"github.com/openzoned/zoned/helper/pointer"
	"github.com/openzoned/zoned/helper/testlog"
	"github.com/openzoned/zoned/helper/uuid"
	"github.com/openzoned/zoned/testutil"
)

func testServer(t *testing.T) (*Agent, string) {
	t.Helper()

	config := DefaultConfig()
	config.NodeName = "test-node"
	config.DataDir = t.TempDir()
	config.BindAddr = "127.0.0.1"
	config.Ports = &Ports{HTTP: 0}
	config.AutoDiscovery = boolPtr(false)

	agent, err := NewAgent(config, testlog.HCLogger(t))
	require.NoError(t, err)
	t.Cleanup(agent.Shutdown)

	srv, err := NewHTTPServer(agent, config)
	require.NoError(t, err)
	t.Cleanup(srv.Shutdown)

	return agent, "http://" + srv.Addr
}

func httpGetJSON(t *testing.T, url string, out interface{}) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode == 200 {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

// gatedSpec returns a task spec that can be enqueued but never claimed: its
// dependency row exists but is itself gated on a predecessor that does not.
func gatedSpec(t *testing.T, agent *Agent, operation string) *structs.TaskSpec {
	t.Helper()
	root, err := agent.store.CreateTask(context.Background(), &structs.TaskSpec{
		Operation: operation,
		DependsOn: pointer.Of(uuid.Generate()),
		CreatedBy: "test",
	})
	require.NoError(t, err)
	return &structs.TaskSpec{
		Operation: operation,
		Target:    "web01",
		Priority:  structs.TaskPriorityHigh,
		DependsOn: pointer.Of(root.ID),
		CreatedBy: "test",
	}
}

func TestHTTP_Health(t *testing.T) {
	_, base := testServer(t)

	var health HealthResponse
	resp := httpGetJSON(t, base+"/v1/agent/health", &health)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, "ok", health.Status)
	require.Equal(t, "test-node", health.NodeName)
	require.True(t, health.Processor)
	require.False(t, health.RebootRequired)
}

func TestHTTP_Zones(t *testing.T) {
	agent, base := testServer(t)

	var zones []*structs.Zone
	resp := httpGetJSON(t, base+"/v1/zones", &zones)
	require.Equal(t, 200, resp.StatusCode)
	require.Empty(t, zones)

	require.NoError(t, agent.store.UpsertZone(context.Background(), &structs.Zone{
		Name: "web01", Brand: "bhyve", State: "running",
	}))

	httpGetJSON(t, base+"/v1/zones", &zones)
	require.Len(t, zones, 1)
	require.Equal(t, "web01", zones[0].Name)
}

func TestHTTP_TaskEnqueueAndGet(t *testing.T) {
	agent, base := testServer(t)

	body, err := json.Marshal(gatedSpec(t, agent, engine.OpZoneStart))
	require.NoError(t, err)
	resp, err := http.Post(base+"/v1/tasks", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 200, resp.StatusCode)

	var task structs.Task
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&task))
	require.NotEmpty(t, task.ID)
	require.Equal(t, structs.TaskStatusPending, task.Status)
	require.Equal(t, structs.TaskPriorityHigh, task.Priority)

	var got structs.Task
	getResp := httpGetJSON(t, base+"/v1/tasks/"+task.ID, &got)
	require.Equal(t, 200, getResp.StatusCode)
	require.Equal(t, task.ID, got.ID)
	require.Equal(t, "web01", got.Target)
}

func TestHTTP_TaskEnqueueInvalid(t *testing.T) {
	_, base := testServer(t)

	for _, body := range []string{
		`{not json`,
		`{"operation":"no_such_op","created_by":"test"}`,
		`{"operation":"zone_start","priority":42,"created_by":"test"}`,
	} {
		resp, err := http.Post(base+"/v1/tasks", "application/json", bytes.NewReader([]byte(body)))
		require.NoError(t, err)
		resp.Body.Close()
		require.Equal(t, 400, resp.StatusCode, "body: %s", body)
	}
}

func TestHTTP_TaskList(t *testing.T) {
	agent, base := testServer(t)
	ctx := context.Background()

	spec := gatedSpec(t, agent, engine.OpZoneStart)
	_, err := agent.scheduler.Enqueue(ctx, spec)
	require.NoError(t, err)

	var list TaskListResponse
	resp := httpGetJSON(t, base+"/v1/tasks?status=pending&target=web01", &list)
	require.Equal(t, 200, resp.StatusCode)
	require.Len(t, list.Tasks, 1)
	require.Nil(t, list.Total)

	httpGetJSON(t, base+"/v1/tasks?operation=zone_start&include_count=true&limit=1", &list)
	require.Len(t, list.Tasks, 1)
	require.NotNil(t, list.Total)

	// Bad filter values are rejected up front.
	for _, query := range []string{
		"?status=bogus",
		"?since=yesterday",
		"?limit=0",
		"?limit=many",
	} {
		resp := httpGetJSON(t, base+"/v1/tasks"+query, nil)
		require.Equal(t, 400, resp.StatusCode, "query: %s", query)
	}
}

func TestHTTP_TaskGetMissing(t *testing.T) {
	_, base := testServer(t)

	resp := httpGetJSON(t, base+"/v1/tasks/"+uuid.Generate(), nil)
	require.Equal(t, 404, resp.StatusCode)
}

func TestHTTP_TaskCancel(t *testing.T) {
	agent, base := testServer(t)

	task, err := agent.scheduler.Enqueue(context.Background(), gatedSpec(t, agent, engine.OpZoneStart))
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodDelete, base+"/v1/tasks/"+task.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, 204, resp.StatusCode)

	var got structs.Task
	httpGetJSON(t, base+"/v1/tasks/"+task.ID, &got)
	require.Equal(t, structs.TaskStatusCancelled, got.Status)
}

func TestHTTP_TaskCancelConflict(t *testing.T) {
	agent, base := testServer(t)

	// A runnable zone_start fails fast off-host, leaving a terminal row.
	task, err := agent.scheduler.Enqueue(context.Background(), &structs.TaskSpec{
		Operation: engine.OpZoneStart,
		Target:    "web01",
		CreatedBy: "test",
	})
	require.NoError(t, err)

	testutil.WaitForResult(func() (bool, error) {
		got, err := agent.store.GetTask(context.Background(), task.ID)
		if err != nil {
			return false, err
		}
		return got.Terminal(), fmt.Errorf("task still %s", got.Status)
	}, func(err error) {
		t.Fatalf("%v", err)
	})

	req, err := http.NewRequest(http.MethodDelete, base+"/v1/tasks/"+task.ID, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 400, resp.StatusCode)

	var conflict taskCancelConflict
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&conflict))
	require.Contains(t, conflict.Error, "cannot be cancelled")
	require.NotEmpty(t, conflict.CurrentStatus)
}

func TestHTTP_TaskStats(t *testing.T) {
	_, base := testServer(t)

	var stats engine.Stats
	resp := httpGetJSON(t, base+"/v1/tasks/stats", &stats)
	require.Equal(t, 200, resp.StatusCode)
	require.Equal(t, 5, stats.MaxConcurrent)
	require.True(t, stats.ProcessorRunning)
}

func TestHTTP_MethodNotAllowed(t *testing.T) {
	_, base := testServer(t)

	req, err := http.NewRequest(http.MethodDelete, base+"/v1/tasks", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, 405, resp.StatusCode)

	body, _ := io.ReadAll(resp.Body)
	require.Contains(t, string(body), "method not allowed")
}
