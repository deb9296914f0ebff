package session

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	errx "github.com/dataqueryagent/server/internal/core/error"
	"github.com/dataqueryagent/server/internal/workflow"
	logx "github.com/dataqueryagent/server/pkg/logger"
)

// Driver is the session entry point: it initializes state, runs the machine
// to completion and surfaces the terminal result. Blocking and streaming
// modes share the same graph; streaming reconstructs progress at node
// boundaries.
type Driver struct {
	cfg            workflow.GraphConfig
	sessionTimeout time.Duration
}

// NewDriver creates a driver. sessionTimeout bounds the wall clock of one
// session; zero disables the bound.
func NewDriver(cfg workflow.GraphConfig, sessionTimeout time.Duration) *Driver {
	return &Driver{cfg: cfg, sessionTimeout: sessionTimeout}
}

// NewSessionInput mints a session identifier for a project.
func NewSessionInput(projectID string) workflow.WorkflowInput {
	return workflow.WorkflowInput{
		SessionID: uuid.NewString(),
		ProjectID: projectID,
	}
}

// Run executes the machine to termination and returns the final state.
// An external cancel interrupts at the next node boundary; the returned
// state then carries the partial progress with error_message "cancelled".
func (d *Driver) Run(ctx context.Context, in workflow.WorkflowInput) (*workflow.AnalysisState, error) {
	return d.run(ctx, in, d.cfg)
}

// Stream executes the machine in the background, yielding an event after
// each node transition. The done channel delivers the final state exactly
// once after the event channel closes.
func (d *Driver) Stream(ctx context.Context, in workflow.WorkflowInput) (<-chan workflow.StepEvent, <-chan *workflow.AnalysisState) {
	events := make(chan workflow.StepEvent, 16)
	done := make(chan *workflow.AnalysisState, 1)

	cfg := d.cfg
	cfg.Emit = func(ev workflow.StepEvent) {
		select {
		case events <- ev:
		case <-ctx.Done():
		}
	}

	go func() {
		defer close(done)
		state, err := d.run(ctx, in, cfg)
		close(events)
		if err != nil {
			logx.Error().Err(err).Str("session_id", in.SessionID).Msg("session failed")
		}
		done <- state
	}()

	return events, done
}

func (d *Driver) run(ctx context.Context, in workflow.WorkflowInput, cfg workflow.GraphConfig) (*workflow.AnalysisState, error) {
	state := &workflow.AnalysisState{SessionID: in.SessionID, ProjectID: in.ProjectID}

	runCtx := ctx
	var cancel context.CancelFunc
	if d.sessionTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, d.sessionTimeout)
		defer cancel()
	}

	runnable, err := workflow.BuildGraph(runCtx, &cfg, state)
	if err != nil {
		state.ErrorCode = errx.CodeInternal
		state.ErrorMessage = errx.UserMessage(err)
		return state, err
	}

	final, err := runnable.Invoke(runCtx, in)
	if err != nil {
		switch {
		case errors.Is(ctx.Err(), context.Canceled) || errx.HasCode(err, errx.CodeCancelled):
			// the machine never mutates state after a cancel is observed
			state.ErrorCode = errx.CodeCancelled
			state.ErrorMessage = "cancelled"
			logx.Info().Str("session_id", state.SessionID).Str("step", state.CurrentStep).Msg("session cancelled")
			return state, nil
		case errors.Is(runCtx.Err(), context.DeadlineExceeded):
			state.ErrorCode = errx.CodeDeadline
			state.ErrorMessage = "session deadline exceeded"
			logx.Warn().Str("session_id", state.SessionID).Msg("session wall-clock timeout")
			return state, nil
		}
		state.ErrorCode = errx.CodeOf(err)
		state.ErrorMessage = errx.UserMessage(err)
		return state, err
	}
	return final, nil
}
