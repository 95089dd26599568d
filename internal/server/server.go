// Package server exposes the governance engine over HTTP. Every mutation goes
// through the engine or one of its gates; the handlers translate between the
// JSON surface and the internal types, and map the engine's error taxonomy to
// a stable {code, message, details} envelope.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/jaydubya818/missionctl/internal/approval"
	"github.com/jaydubya818/missionctl/internal/budget"
	"github.com/jaydubya818/missionctl/internal/engine"
	"github.com/jaydubya818/missionctl/internal/lifecycle"
	"github.com/jaydubya818/missionctl/internal/loopdetect"
	"github.com/jaydubya818/missionctl/internal/otel"
	"github.com/jaydubya818/missionctl/internal/persistence"
	"github.com/jaydubya818/missionctl/internal/policy"
	"github.com/jaydubya818/missionctl/internal/pricing"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	Detector *loopdetect.Detector
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"invalid_transition"`
	Message string         `json:"message" example:"no edge from DONE to REVIEW"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the error envelope every failing response carries.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the governance API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine == nil {
		return nil, errors.New("server: engine is required")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","version":"` + otel.Version + `"}`))
	})

	hcfg := huma.DefaultConfig("missionctl API", strings.TrimPrefix(otel.Version, "v"))
	hcfg.OpenAPIPath = "/openapi"
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerProjects(group, cfg.Engine)
	registerTasks(group, cfg.Engine)
	registerAgents(group, cfg.Engine, cfg.Detector)
	registerApprovals(group, cfg.Engine)
	registerBudget(group, cfg.Engine)
	registerPolicies(group, cfg.Engine)
	registerAlerts(group, cfg.Engine)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps the engine's sentinel taxonomy onto the error envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	switch {
	case errors.Is(err, persistence.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	case errors.Is(err, engine.ErrMissingArtifact):
		return newAPIError(http.StatusUnprocessableEntity, "missing_artifact", err.Error(), nil)
	case errors.Is(err, engine.ErrAgentQuarantined):
		return newAPIError(http.StatusForbidden, "agent_quarantined", err.Error(), nil)
	case errors.Is(err, engine.ErrActorNotAllowed):
		return newAPIError(http.StatusForbidden, "actor_not_allowed", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyTerminal):
		return newAPIError(http.StatusConflict, "already_terminal", err.Error(), nil)
	case errors.Is(err, engine.ErrInvalidTransition):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), nil)
	case errors.Is(err, engine.ErrPolicyBlocked):
		return newAPIError(http.StatusForbidden, "policy_blocked", err.Error(), nil)
	case errors.Is(err, engine.ErrBudgetExceeded):
		return newAPIError(http.StatusPaymentRequired, "budget_exceeded", err.Error(), nil)
	case errors.Is(err, engine.ErrApprovalExpired):
		return newAPIError(http.StatusGone, "approval_expired", err.Error(), nil)
	case errors.Is(err, engine.ErrAlreadyDecided):
		return newAPIError(http.StatusConflict, "already_decided", err.Error(), nil)
	case errors.Is(err, persistence.ErrStaleStatus):
		return newAPIError(http.StatusConflict, "conflict", err.Error(), nil)
	}
	msg := err.Error()
	lowered := strings.ToLower(msg)
	switch {
	case strings.Contains(lowered, "unique constraint"):
		return newAPIError(http.StatusConflict, "conflict", msg, nil)
	case strings.Contains(lowered, "invalid") || strings.Contains(lowered, "unknown") ||
		strings.Contains(lowered, "missing") || strings.Contains(lowered, "required"):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, nil)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerProjects(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-project",
		Method:        http.MethodPost,
		Path:          "/projects",
		Summary:       "Create project",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateProjectRequest `json:"body"`
	}) (*struct {
		Body persistence.Project `json:"body"`
	}, error) {
		if input.Body.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "id is required", nil)
		}
		name := input.Body.Name
		if name == "" {
			name = input.Body.ID
		}
		if err := e.Store().CreateProject(ctx, input.Body.ID, name); err != nil {
			return nil, handleError(err)
		}
		p, err := e.Store().GetProject(ctx, input.Body.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Project `json:"body"`
		}{Body: *p}, nil
	})
}

func registerTasks(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Create task in INBOX",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateTaskRequest `json:"body"`
	}) (*struct {
		Body persistence.Task `json:"body"`
	}, error) {
		if input.Body.ProjectID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "project_id is required", nil)
		}
		if _, err := e.Store().GetProject(ctx, input.Body.ProjectID); err != nil {
			return nil, handleError(err)
		}
		task := &persistence.Task{
			ID:              input.Body.ID,
			ProjectID:       input.Body.ProjectID,
			Type:            input.Body.Type,
			Priority:        input.Body.Priority,
			AssigneeIDs:     input.Body.AssigneeIDs,
			BudgetAllocated: input.Body.BudgetAllocated,
		}
		if task.ID == "" {
			task.ID = uuid.NewString()
		}
		if err := e.Store().CreateTask(ctx, task); err != nil {
			return nil, handleError(err)
		}
		created, err := e.Store().GetTask(ctx, task.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Task `json:"body"`
		}{Body: *created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body persistence.Task `json:"body"`
	}, error) {
		task, err := e.Store().GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Task `json:"body"`
		}{Body: *task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id" required:"true"`
		Status    string `query:"status"`
	}) (*struct {
		Body TaskListResponse `json:"body"`
	}, error) {
		var statuses []lifecycle.Status
		if input.Status != "" {
			for _, raw := range strings.Split(input.Status, ",") {
				status, err := lifecycle.ParseStatus(strings.TrimSpace(raw))
				if err != nil {
					return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
				}
				statuses = append(statuses, status)
			}
		}
		tasks, err := e.Store().ListTasks(ctx, input.ProjectID, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TaskListResponse `json:"body"`
		}{Body: TaskListResponse{Tasks: tasks}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-task-transitions",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/transitions",
		Summary:     "List task transition history",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body TransitionListResponse `json:"body"`
	}, error) {
		if _, err := e.Store().GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		transitions, err := e.Store().ListTransitions(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body TransitionListResponse `json:"body"`
		}{Body: TransitionListResponse{Transitions: transitions}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "attempt-transition",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/transitions",
		Summary:     "Attempt a task transition",
		Errors: []int{
			http.StatusBadRequest,
			http.StatusPaymentRequired,
			http.StatusForbidden,
			http.StatusNotFound,
			http.StatusConflict,
			http.StatusUnprocessableEntity,
		},
	}, func(ctx context.Context, input *struct {
		TaskID string            `path:"task_id"`
		Body   TransitionRequest `json:"body"`
	}) (*struct {
		Status int
		Body   TransitionResponse `json:"body"`
	}, error) {
		to, err := lifecycle.ParseStatus(input.Body.To)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		actor, err := lifecycle.ParseActorType(input.Body.ActorType)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		risk := lifecycle.RiskGreen
		if input.Body.RiskLevel != "" {
			risk, err = lifecycle.ParseRiskLevel(input.Body.RiskLevel)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		if input.Body.IdempotencyKey == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "idempotency_key is required", nil)
		}
		result, err := e.AttemptTransition(ctx, engine.TransitionRequest{
			TaskID:         input.TaskID,
			To:             to,
			ActorType:      actor,
			ActorID:        input.Body.ActorID,
			Reason:         input.Body.Reason,
			Artifacts:      lifecycle.Artifacts(input.Body.Artifacts),
			IdempotencyKey: input.Body.IdempotencyKey,
			AssigneeIDs:    input.Body.AssigneeIDs,
			ActionType:     input.Body.ActionType,
			RiskLevel:      risk,
			EstimatedCost:  input.Body.EstimatedCost,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Status int
			Body   TransitionResponse `json:"body"`
		}{
			Status: http.StatusOK,
			Body: TransitionResponse{
				Task:       result.Task,
				Transition: result.Transition,
				Replayed:   result.Replayed,
				Deferred:   result.Deferred,
				Approval:   result.Approval,
			},
		}
		if result.Deferred {
			out.Status = http.StatusAccepted
		}
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-task-message",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/messages",
		Summary:       "Record a task comment",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string             `path:"task_id"`
		Body   TaskMessageRequest `json:"body"`
	}) (*struct {
		Body persistence.TaskMessage `json:"body"`
	}, error) {
		if _, err := lifecycle.ParseActorType(input.Body.AuthorType); err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
		}
		if input.Body.Body == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "body is required", nil)
		}
		if _, err := e.Store().GetTask(ctx, input.TaskID); err != nil {
			return nil, handleError(err)
		}
		msg := &persistence.TaskMessage{
			TaskID:     input.TaskID,
			AuthorType: input.Body.AuthorType,
			AuthorID:   input.Body.AuthorID,
			Body:       input.Body.Body,
		}
		if err := e.Store().AddTaskMessage(ctx, msg); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.TaskMessage `json:"body"`
		}{Body: *msg}, nil
	})
}

func registerAgents(api huma.API, e *engine.Engine, detector *loopdetect.Detector) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-agent",
		Method:        http.MethodPost,
		Path:          "/agents",
		Summary:       "Register agent",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body CreateAgentRequest `json:"body"`
	}) (*struct {
		Body persistence.Agent `json:"body"`
	}, error) {
		if input.Body.AgentID == "" || input.Body.ProjectID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id and project_id are required", nil)
		}
		if _, err := e.Store().GetProject(ctx, input.Body.ProjectID); err != nil {
			return nil, handleError(err)
		}
		agent := &persistence.Agent{
			AgentID:      input.Body.AgentID,
			ProjectID:    input.Body.ProjectID,
			Role:         input.Body.Role,
			BudgetDaily:  input.Body.BudgetDaily,
			BudgetPerRun: input.Body.BudgetPerRun,
			SpendDay:     persistence.UTCDay(time.Now()),
		}
		if err := e.Store().CreateAgent(ctx, agent); err != nil {
			return nil, handleError(err)
		}
		created, err := e.Store().GetAgent(ctx, agent.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Agent `json:"body"`
		}{Body: *created}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-agents",
		Method:      http.MethodGet,
		Path:        "/agents",
		Summary:     "List agents",
	}, func(ctx context.Context, input *struct {
		ProjectID string `query:"project_id" required:"true"`
	}) (*struct {
		Body AgentListResponse `json:"body"`
	}, error) {
		agents, err := e.Store().ListAgents(ctx, input.ProjectID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AgentListResponse `json:"body"`
		}{Body: AgentListResponse{Agents: agents}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-spend",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/spend",
		Summary:     "Record completed-run spend",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string       `path:"agent_id"`
		Body    SpendRequest `json:"body"`
	}) (*struct {
		Body persistence.Agent `json:"body"`
	}, error) {
		if input.Body.RunID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "run_id is required", nil)
		}
		amount := input.Body.Amount
		if amount == 0 && input.Body.Model != "" {
			if !pricing.Known(input.Body.Model) {
				return nil, newAPIError(http.StatusBadRequest, "unknown_model",
					fmt.Sprintf("no pricing for model %q; supply an explicit amount", input.Body.Model), nil)
			}
			amount = pricing.EstimateCost(input.Body.Model, input.Body.PromptTokens, input.Body.CompletionTokens)
		}
		err := e.Budgets().RecordSpend(ctx, budget.SpendReport{
			RunID:   input.Body.RunID,
			AgentID: input.AgentID,
			TaskID:  input.Body.TaskID,
			Amount:  amount,
		})
		if err != nil {
			return nil, handleError(err)
		}
		agent, err := e.Store().GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Agent `json:"body"`
		}{Body: *agent}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "record-tool-result",
		Method:      http.MethodPost,
		Path:        "/agents/{agent_id}/tool-results",
		Summary:     "Report a tool invocation outcome",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		AgentID string            `path:"agent_id"`
		Body    ToolResultRequest `json:"body"`
	}) (*struct {
		Body persistence.Agent `json:"body"`
	}, error) {
		if detector == nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "loop detection disabled", nil)
		}
		var err error
		if input.Body.OK {
			err = detector.RecordToolSuccess(ctx, input.AgentID)
		} else {
			if input.Body.Signature == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "signature is required for failures", nil)
			}
			err = detector.RecordToolFailure(ctx, input.AgentID, input.Body.TaskID, input.Body.Tool, input.Body.Signature)
		}
		if err != nil {
			return nil, handleError(err)
		}
		agent, err := e.Store().GetAgent(ctx, input.AgentID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Agent `json:"body"`
		}{Body: *agent}, nil
	})
}

func registerApprovals(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-approval",
		Method:        http.MethodPost,
		Path:          "/approvals",
		Summary:       "Submit an approval request",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body ApprovalRequest `json:"body"`
	}) (*struct {
		Body persistence.Approval `json:"body"`
	}, error) {
		risk := lifecycle.RiskGreen
		if input.Body.RiskLevel != "" {
			var err error
			risk, err = lifecycle.ParseRiskLevel(input.Body.RiskLevel)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
			}
		}
		req := approval.Request{
			RequestorAgentID: input.Body.RequestorAgentID,
			TaskID:           input.Body.TaskID,
			ActionType:       input.Body.ActionType,
			ActionSummary:    input.Body.ActionSummary,
			RiskLevel:        risk,
			Justification:    input.Body.Justification,
			EstimatedCost:    input.Body.EstimatedCost,
			TTL:              time.Duration(input.Body.TTLMinutes) * time.Minute,
		}
		a, err := e.Approvals().Submit(ctx, req)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Approval `json:"body"`
		}{Body: *a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-approval",
		Method:      http.MethodGet,
		Path:        "/approvals/{approval_id}",
		Summary:     "Get approval",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		ApprovalID string `path:"approval_id"`
	}) (*struct {
		Body persistence.Approval `json:"body"`
	}, error) {
		a, err := e.Store().GetApproval(ctx, input.ApprovalID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Approval `json:"body"`
		}{Body: *a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-approvals",
		Method:      http.MethodGet,
		Path:        "/approvals",
		Summary:     "List approvals",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Status string `query:"status"`
	}) (*struct {
		Body ApprovalListResponse `json:"body"`
	}, error) {
		var statuses []persistence.ApprovalStatus
		if input.Status != "" {
			for _, raw := range strings.Split(input.Status, ",") {
				statuses = append(statuses, persistence.ApprovalStatus(strings.TrimSpace(raw)))
			}
		}
		approvals, err := e.Store().ListApprovals(ctx, statuses...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ApprovalListResponse `json:"body"`
		}{Body: ApprovalListResponse{Approvals: approvals}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decide-approval",
		Method:      http.MethodPost,
		Path:        "/approvals/{approval_id}/decision",
		Summary:     "Approve or deny a pending request",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict, http.StatusGone},
	}, func(ctx context.Context, input *struct {
		ApprovalID string          `path:"approval_id"`
		Body       DecisionRequest `json:"body"`
	}) (*struct {
		Body persistence.Approval `json:"body"`
	}, error) {
		if input.Body.DecidedBy == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "decided_by is required", nil)
		}
		a, err := e.Approvals().Decide(ctx, input.ApprovalID, input.Body.Approve, input.Body.DecidedBy, input.Body.Reason)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Approval `json:"body"`
		}{Body: *a}, nil
	})
}

func registerBudget(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "authorize-budget",
		Method:      http.MethodPost,
		Path:        "/budget/authorize",
		Summary:     "Check an estimated cost against budget caps",
		Errors:      []int{http.StatusBadRequest, http.StatusPaymentRequired, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body AuthorizeRequest `json:"body"`
	}) (*struct {
		Body AuthorizeResponse `json:"body"`
	}, error) {
		if input.Body.AgentID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "agent_id is required", nil)
		}
		auth, err := e.Budgets().Authorize(ctx, input.Body.AgentID, input.Body.TaskID, input.Body.EstimatedCost)
		if err != nil && !errors.Is(err, budget.ErrExceeded) {
			return nil, handleError(err)
		}
		// A denial is a successful answer here, not an error: the caller asked
		// whether the spend would clear the caps.
		resp := AuthorizeResponse{
			Allowed:        auth.Allowed,
			Reason:         auth.Reason,
			DailyRemaining: auth.DailyRemaining,
			PerRunLimit:    auth.PerRunLimit,
			TaskRemaining:  auth.TaskRemaining,
		}
		return &struct {
			Body AuthorizeResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerPolicies(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-policy",
		Method:      http.MethodPut,
		Path:        "/policies",
		Summary:     "Install or replace the active policy for a scope",
		Errors:      []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body PolicyUpsertRequest `json:"body"`
	}) (*struct {
		Body persistence.Policy `json:"body"`
	}, error) {
		switch input.Body.ScopeType {
		case "GLOBAL":
		case "PROJECT", "AGENT":
			if input.Body.ScopeID == "" {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "scope_id is required for "+input.Body.ScopeType+" scope", nil)
			}
		default:
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown scope_type", nil)
		}
		if _, err := policy.ParseRules(input.Body.Rules); err != nil {
			return nil, newAPIError(http.StatusUnprocessableEntity, "invalid_policy", err.Error(), nil)
		}
		version := 1
		if prior, err := e.Store().ActivePolicy(ctx, input.Body.ScopeType, input.Body.ScopeID); err == nil && prior != nil {
			version = prior.Version + 1
		}
		p := &persistence.Policy{
			ID:        input.Body.ID,
			Name:      input.Body.Name,
			Version:   version,
			ScopeType: input.Body.ScopeType,
			ScopeID:   input.Body.ScopeID,
			Rules:     input.Body.Rules,
			Active:    true,
		}
		if p.ID == "" {
			p.ID = uuid.NewString()
		}
		if err := e.Store().UpsertPolicy(ctx, p); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body persistence.Policy `json:"body"`
		}{Body: *p}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-policies",
		Method:      http.MethodGet,
		Path:        "/policies",
		Summary:     "List policies",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body PolicyListResponse `json:"body"`
	}, error) {
		policies, err := e.Store().ListPolicies(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PolicyListResponse `json:"body"`
		}{Body: PolicyListResponse{Policies: policies}}, nil
	})
}

func registerAlerts(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-alerts",
		Method:      http.MethodGet,
		Path:        "/alerts",
		Summary:     "List loop-detector alerts",
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind"`
	}) (*struct {
		Body AlertListResponse `json:"body"`
	}, error) {
		var kinds []string
		if input.Kind != "" {
			for _, raw := range strings.Split(input.Kind, ",") {
				kinds = append(kinds, strings.TrimSpace(raw))
			}
		}
		alerts, err := e.Store().ListAlerts(ctx, kinds...)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body AlertListResponse `json:"body"`
		}{Body: AlertListResponse{Alerts: alerts}}, nil
	})
}
