// Package procedure implements the procedure execution engine.
//
// Procedures are tenant-defined step graphs triggered by inbound messages.
// Each step can emit a templated message, call an external connector, branch
// on a condition, or request approval. Execution walks the graph from
// steps[0], bounded by an iteration cap so cyclic graphs terminate.
package procedure

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/calmdesk/calmdesk/engine/internal/audit"
	"github.com/calmdesk/calmdesk/engine/internal/store"
	"github.com/calmdesk/calmdesk/engine/pkg/models"
)

// ExecContext carries per-execution state. Variables is mutated in place as
// steps produce outputs. ProcedureID is set by Execute.
type ExecContext struct {
	TenantID       string
	ConversationID string
	UserID         string
	ProcedureID    string
	Variables      map[string]any
	DryRun         bool
}

// ApprovalHook is invoked when a non-dry-run approval step fires, before
// the step auto-approves.
type ApprovalHook func(ctx context.Context, ec *ExecContext, stepID string)

// Executor walks procedure step graphs.
type Executor struct {
	store      store.Store
	audit      *audit.Emitter
	client     *http.Client
	onApproval ApprovalHook
}

// Option configures an Executor.
type Option func(*Executor)

// WithHTTPClient overrides the connector HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithApprovalHook registers a callback for approval steps, typically a
// webhook notification.
func WithApprovalHook(hook ApprovalHook) Option {
	return func(e *Executor) { e.onApproval = hook }
}

// NewExecutor creates a procedure executor.
func NewExecutor(s store.Store, emitter *audit.Emitter, opts ...Option) *Executor {
	e := &Executor{
		store: s,
		audit: emitter,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Execute walks the procedure graph starting at steps[0]. A step failure
// stops the walk and fails the execution; hitting the iteration cap is a
// successful termination (cyclic graphs are permitted). The last message
// step's output becomes FinalMessage.
func (e *Executor) Execute(ctx context.Context, proc *models.Procedure, ec *ExecContext) *models.Execution {
	exec := &models.Execution{ProcedureID: proc.ID}

	ec.ProcedureID = proc.ID
	if ec.Variables == nil {
		ec.Variables = make(map[string]any)
	}
	if len(proc.Steps) == 0 {
		exec.Success = true
		return exec
	}

	e.emit(ec, models.AuditProcedureTriggered, map[string]any{
		"procedureId":    proc.ID,
		"procedureName":  proc.Name,
		"conversationId": ec.ConversationID,
		"dryRun":         ec.DryRun,
	})

	stepByID := make(map[string]*models.Step, len(proc.Steps))
	for i := range proc.Steps {
		stepByID[proc.Steps[i].ID] = &proc.Steps[i]
	}

	current := &proc.Steps[0]
	for iterations := 0; current != nil; iterations++ {
		if iterations >= models.MaxProcedureIterations {
			log.Warn().
				Str("tenant", ec.TenantID).
				Str("procedure", proc.ID).
				Int("iterations", iterations).
				Msg("Procedure hit iteration cap, terminating walk")
			break
		}

		result := e.executeStep(ctx, ec, current)
		exec.Steps = append(exec.Steps, *result)

		if !result.Success {
			exec.Error = result.Error
			e.emit(ec, models.AuditProcedureFailed, map[string]any{
				"procedureId": proc.ID,
				"stepId":      current.ID,
				"error":       result.Error,
			})
			log.Error().
				Str("tenant", ec.TenantID).
				Str("procedure", proc.ID).
				Str("step", current.ID).
				Str("error", result.Error).
				Msg("Procedure step failed")
			return exec
		}

		if msg, ok := result.Output["message"].(string); ok && msg != "" {
			exec.FinalMessage = msg
		}

		current = nextStep(current, result, stepByID)
	}

	exec.Success = true
	e.emit(ec, models.AuditProcedureCompleted, map[string]any{
		"procedureId": proc.ID,
		"steps":       len(exec.Steps),
		"dryRun":      ec.DryRun,
	})
	log.Info().
		Str("tenant", ec.TenantID).
		Str("procedure", proc.ID).
		Int("steps", len(exec.Steps)).
		Msg("Procedure completed")
	return exec
}

// nextStep resolves the successor: conditional steps branch through the
// nextStep recorded in their output, everything else follows NextStepID.
func nextStep(current *models.Step, result *models.StepResult, stepByID map[string]*models.Step) *models.Step {
	next := current.NextStepID
	if current.Type == models.StepConditional {
		if branch, ok := result.Output["nextStep"].(string); ok {
			next = branch
		}
	}
	if next == "" {
		return nil
	}
	return stepByID[next]
}

func (e *Executor) executeStep(ctx context.Context, ec *ExecContext, step *models.Step) *models.StepResult {
	result := &models.StepResult{StepID: step.ID, Type: step.Type}

	var err error
	switch step.Type {
	case models.StepMessage:
		err = e.executeMessage(ec, step, result)
	case models.StepAPICall:
		err = e.executeAPICall(ctx, ec, step, result, false)
	case models.StepDataLookup:
		err = e.executeAPICall(ctx, ec, step, result, true)
	case models.StepConditional:
		err = e.executeConditional(ec, step, result)
	case models.StepApproval:
		err = e.executeApproval(ctx, ec, step, result)
	default:
		err = fmt.Errorf("unknown step type: %s", step.Type)
	}

	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = true
	return result
}

// ── Step types ──────────────────────────────────────────────

type messageConfig struct {
	Template string `json:"template"`
	Message  string `json:"message"`
}

func (e *Executor) executeMessage(ec *ExecContext, step *models.Step, result *models.StepResult) error {
	var cfg messageConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return fmt.Errorf("message step %s: %w", step.ID, err)
	}
	template := cfg.Template
	if template == "" {
		template = cfg.Message
	}
	if template == "" {
		return fmt.Errorf("message step %s has no template", step.ID)
	}
	result.Output = map[string]any{"message": Interpolate(template, ec.Variables)}
	return nil
}

type conditionalConfig struct {
	Condition string `json:"condition"`
	TrueStep  string `json:"trueStep"`
	FalseStep string `json:"falseStep"`
}

func (e *Executor) executeConditional(ec *ExecContext, step *models.Step, result *models.StepResult) error {
	var cfg conditionalConfig
	if err := json.Unmarshal(step.Config, &cfg); err != nil {
		return fmt.Errorf("conditional step %s: %w", step.ID, err)
	}

	met := EvalCondition(cfg.Condition, ec.Variables)
	next := cfg.FalseStep
	if met {
		next = cfg.TrueStep
	}
	result.Output = map[string]any{"result": met, "nextStep": next}
	return nil
}

func (e *Executor) executeApproval(ctx context.Context, ec *ExecContext, step *models.Step, result *models.StepResult) error {
	if ec.DryRun {
		result.Output = map[string]any{"approved": true, "_dryRun": true}
		return nil
	}

	// No pending-approval queue yet; record the request and auto-approve.
	e.emit(ec, models.AuditProcedureTriggered, map[string]any{
		"approvalRequested": true,
		"stepId":            step.ID,
		"conversationId":    ec.ConversationID,
		"userId":            ec.UserID,
	})
	if e.onApproval != nil {
		e.onApproval(ctx, ec, step.ID)
	}
	result.Output = map[string]any{"approved": true}
	return nil
}

func (e *Executor) emit(ec *ExecContext, eventType models.AuditEventType, payload map[string]any) {
	if e.audit == nil {
		return
	}
	e.audit.Emit(ec.TenantID, eventType, payload)
}
