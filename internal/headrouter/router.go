package headrouter

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/webai/controlplane/internal/model"
)

// FanoutError is one node's failure entry in a fan-out response (spec §4.5,
// §7 node_unreachable — surfaced per-node, never poisoning the whole
// response).
type FanoutError struct {
	NodeID string `json:"node_id"`
	Detail string `json:"detail"`
}

// Router holds the head's node registry and signing identity and
// implements the routing/fan-out operations of spec §4.5.
type Router struct {
	Registry *Registry
	KeyID    string
	Client   *SignedClient
	Timeout  time.Duration
	Logger   *slog.Logger

	affMu    sync.RWMutex
	affinity map[string]string // task id -> node id, advisory only (spec §5)
}

// New builds a Router.
func New(reg *Registry, client *SignedClient, timeout time.Duration, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{Registry: reg, Client: client, Timeout: timeout, Logger: logger, affinity: map[string]string{}}
}

func (r *Router) recordAffinity(taskID, nodeID string) {
	r.affMu.Lock()
	r.affinity[taskID] = nodeID
	r.affMu.Unlock()
}

func (r *Router) affinityFor(taskID string) (string, bool) {
	r.affMu.RLock()
	defer r.affMu.RUnlock()
	id, ok := r.affinity[taskID]
	return id, ok
}

func (r *Router) nodeURL(node model.NodeDescriptor, path string) string {
	return node.BaseURL + path
}

func (r *Router) call(ctx context.Context, node model.NodeDescriptor, method, path string, body []byte) (*http.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, r.Timeout)
	defer cancel()
	resp, err := r.Client.Do(ctx, method, r.nodeURL(node, path), body)
	if err != nil {
		r.Registry.MarkError(node.ID, err)
		return nil, err
	}
	r.Registry.MarkSeen(node.ID)
	return resp, nil
}

// CreateTask signs and forwards a task-creation request to the resolved
// node (explicit spec.NodeID, or the sole node if only one is configured).
func (r *Router) CreateTask(ctx context.Context, spec model.CreateSpec) (*model.Task, error) {
	var node model.NodeDescriptor
	var ok bool
	if spec.NodeID != "" {
		node, ok = r.Registry.Get(spec.NodeID)
		if !ok {
			return nil, model.Invalid("unknown node_id %q", spec.NodeID)
		}
	} else {
		node, ok = r.Registry.Single()
		if !ok {
			return nil, model.Invalid("node_id is required when more than one node is configured")
		}
	}

	body, err := json.Marshal(spec)
	if err != nil {
		return nil, err
	}
	resp, err := r.call(ctx, node, http.MethodPost, "/api/tasks", body)
	if err != nil {
		return nil, model.NewError(model.CodeNodeUnreachable, "node %s unreachable: %v", node.ID, err)
	}
	respBody, _ := ReadBody(resp)
	if resp.StatusCode >= 300 {
		return nil, statusToError(resp.StatusCode, respBody)
	}
	var task model.Task
	if err := json.Unmarshal(respBody, &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	r.recordAffinity(task.ID, node.ID)
	return &task, nil
}

// ListResult is the merged response for GET /api/tasks.
type ListResult struct {
	Tasks  []model.TaskSummary `json:"tasks"`
	Errors []FanoutError       `json:"errors,omitempty"`
}

// ListTasks fans out to every enabled node concurrently, merging summaries
// and collecting per-node errors rather than failing the whole request
// (spec §4.5, testable property 6, scenario E5).
func (r *Router) ListTasks(ctx context.Context) ListResult {
	nodes := r.Registry.All()
	type partial struct {
		tasks []model.TaskSummary
		err   *FanoutError
	}
	results := make(chan partial, len(nodes))

	var wg sync.WaitGroup
	for _, n := range nodes {
		if !n.Enabled {
			continue
		}
		wg.Add(1)
		go func(node model.NodeDescriptor) {
			defer wg.Done()
			resp, err := r.call(ctx, node, http.MethodGet, "/api/tasks", nil)
			if err != nil {
				results <- partial{err: &FanoutError{NodeID: node.ID, Detail: describeErr(err)}}
				return
			}
			body, _ := ReadBody(resp)
			if resp.StatusCode >= 300 {
				results <- partial{err: &FanoutError{NodeID: node.ID, Detail: fmt.Sprintf("status %d", resp.StatusCode)}}
				return
			}
			var summaries []model.TaskSummary
			if err := json.Unmarshal(body, &summaries); err != nil {
				results <- partial{err: &FanoutError{NodeID: node.ID, Detail: "malformed response"}}
				return
			}
			for _, s := range summaries {
				r.recordAffinity(s.ID, node.ID)
			}
			results <- partial{tasks: summaries}
		}(n)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	var out ListResult
	for p := range results {
		if p.err != nil {
			out.Errors = append(out.Errors, *p.err)
			continue
		}
		out.Tasks = append(out.Tasks, p.tasks...)
	}
	return out
}

// resolveNode finds the node hosting taskID: explicit hint, then affinity
// cache, then a lightweight broadcast HEAD probe (spec §4.5).
func (r *Router) resolveNode(ctx context.Context, taskID, nodeIDHint string) (model.NodeDescriptor, error) {
	if nodeIDHint != "" {
		n, ok := r.Registry.Get(nodeIDHint)
		if !ok {
			return model.NodeDescriptor{}, model.Invalid("unknown node_id %q", nodeIDHint)
		}
		return n, nil
	}
	if affID, ok := r.affinityFor(taskID); ok {
		if n, ok := r.Registry.Get(affID); ok {
			return n, nil
		}
	}
	if n, ok := r.Registry.Single(); ok {
		return n, nil
	}

	nodes := r.Registry.All()
	type probe struct {
		node model.NodeDescriptor
		ok   bool
	}
	results := make(chan probe, len(nodes))
	var wg sync.WaitGroup
	for _, n := range nodes {
		wg.Add(1)
		go func(node model.NodeDescriptor) {
			defer wg.Done()
			resp, err := r.call(ctx, node, http.MethodHead, "/api/tasks/"+taskID, nil)
			if err != nil || resp.StatusCode >= 300 {
				results <- probe{node: node, ok: false}
				return
			}
			results <- probe{node: node, ok: true}
		}(n)
	}
	go func() { wg.Wait(); close(results) }()
	for p := range results {
		if p.ok {
			r.recordAffinity(taskID, p.node.ID)
			return p.node, nil
		}
	}
	return model.NodeDescriptor{}, model.NotFound("task %s not found on any node", taskID)
}

// GetTask proxies GET /api/tasks/{id} to the resolved node.
func (r *Router) GetTask(ctx context.Context, taskID, nodeIDHint string) (*model.TaskDetail, error) {
	node, err := r.resolveNode(ctx, taskID, nodeIDHint)
	if err != nil {
		return nil, err
	}
	resp, err := r.call(ctx, node, http.MethodGet, "/api/tasks/"+taskID, nil)
	if err != nil {
		return nil, model.NewError(model.CodeNodeUnreachable, "node %s unreachable: %v", node.ID, err)
	}
	body, _ := ReadBody(resp)
	if resp.StatusCode >= 300 {
		return nil, statusToError(resp.StatusCode, body)
	}
	var detail model.TaskDetail
	if err := json.Unmarshal(body, &detail); err != nil {
		return nil, fmt.Errorf("decode task detail: %w", err)
	}
	return &detail, nil
}

// DeleteTask proxies DELETE /api/tasks/{id}.
func (r *Router) DeleteTask(ctx context.Context, taskID, nodeIDHint string) error {
	node, err := r.resolveNode(ctx, taskID, nodeIDHint)
	if err != nil {
		return err
	}
	resp, err := r.call(ctx, node, http.MethodDelete, "/api/tasks/"+taskID, nil)
	if err != nil {
		return model.NewError(model.CodeNodeUnreachable, "node %s unreachable: %v", node.ID, err)
	}
	body, _ := ReadBody(resp)
	if resp.StatusCode >= 300 {
		return statusToError(resp.StatusCode, body)
	}
	return nil
}

// PostAction proxies a POST .../{action} lifecycle call and returns the raw
// response body (for callers that decode per-action payloads, e.g.
// open_browser's vnc_launch_url).
func (r *Router) PostAction(ctx context.Context, taskID, nodeIDHint, action string, body []byte) ([]byte, int, error) {
	node, err := r.resolveNode(ctx, taskID, nodeIDHint)
	if err != nil {
		return nil, 0, err
	}
	resp, err := r.call(ctx, node, http.MethodPost, "/api/tasks/"+taskID+"/"+action, body)
	if err != nil {
		return nil, 0, model.NewError(model.CodeNodeUnreachable, "node %s unreachable: %v", node.ID, err)
	}
	respBody, _ := ReadBody(resp)
	if resp.StatusCode >= 300 {
		return nil, resp.StatusCode, statusToError(resp.StatusCode, respBody)
	}
	return respBody, resp.StatusCode, nil
}

// NodeStatus is one entry of GET /api/nodes (spec §6).
type NodeStatus struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	URL        string   `json:"url"`
	Ready      bool     `json:"ready"`
	Reachable  bool     `json:"reachable"`
	Issues     []string `json:"issues,omitempty"`
	Enrollment string   `json:"enrollment,omitempty"`
}

// ProbeNodes cheaply probes every node's /healthz to populate liveness.
func (r *Router) ProbeNodes(ctx context.Context) []NodeStatus {
	nodes := r.Registry.All()
	out := make([]NodeStatus, len(nodes))
	var wg sync.WaitGroup
	for i, n := range nodes {
		wg.Add(1)
		go func(i int, node model.NodeDescriptor) {
			defer wg.Done()
			status := NodeStatus{ID: node.ID, Name: node.Name, URL: node.BaseURL}
			ctx, cancel := context.WithTimeout(ctx, r.Timeout)
			defer cancel()
			req, _ := http.NewRequestWithContext(ctx, http.MethodGet, node.BaseURL+"/healthz", nil)
			resp, err := r.Client.HTTP.Do(req)
			if err != nil {
				status.Reachable = false
				status.Issues = append(status.Issues, describeErr(err))
				out[i] = status
				return
			}
			resp.Body.Close()
			status.Reachable = resp.StatusCode == http.StatusOK
			status.Ready = status.Reachable && node.Enabled
			if !node.Enabled {
				status.Issues = append(status.Issues, "disabled")
			}
			out[i] = status
		}(i, n)
	}
	wg.Wait()
	return out
}

func statusToError(status int, body []byte) error {
	var payload struct {
		Error struct {
			Code          string `json:"code"`
			Message       string `json:"message"`
			CorrelationID string `json:"correlation_id,omitempty"`
		} `json:"error"`
	}
	_ = json.Unmarshal(body, &payload)
	message := payload.Error.Message
	if message == "" {
		message = fmt.Sprintf("node returned status %d", status)
	}
	code := model.Code(payload.Error.Code)
	if code == "" {
		code = model.CodeInternal
	}
	return &model.Error{Code: code, Message: message, CorrelationID: payload.Error.CorrelationID}
}

func describeErr(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	return err.Error()
}
