package daemon

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/buildfactory/factoryd/internal/coordinator"
	"github.com/buildfactory/factoryd/internal/engine"
	"github.com/buildfactory/factoryd/internal/model"
	"github.com/buildfactory/factoryd/internal/store"
	"github.com/buildfactory/factoryd/internal/uds"
)

// Control command parameter shapes. The CLI marshals the same structs.

type StartParams struct {
	Project      string `json:"project"`
	Engine       string `json:"engine,omitempty"`
	Requirements string `json:"requirements,omitempty"`
}

type RunParams struct {
	RunID string `json:"run_id"`
}

type ListParams struct {
	State string `json:"state,omitempty"`
}

type AnswerParams struct {
	RunID           string `json:"run_id"`
	ClarificationID string `json:"clarification_id"`
	Answer          string `json:"answer"`
}

type PingResult struct {
	Pong       bool   `json:"pong"`
	Version    string `json:"version"`
	ActiveRuns int    `json:"active_runs"`
}

// Version is stamped by the build; the daemon reports it on ping.
var Version = "dev"

func (d *Daemon) registerHandlers() {
	d.server.Handle("ping", d.handlePing)
	d.server.Handle("shutdown", d.handleShutdown)
	d.server.Handle("start", d.handleStart)
	d.server.Handle("status", d.handleStatus)
	d.server.Handle("list", d.handleList)
	d.server.Handle("stop", d.handleStop)
	d.server.Handle("answer", d.handleAnswer)
	d.server.Handle("resume", d.handleResume)
	d.server.Handle("abandon", d.handleAbandon)
	d.server.Handle("engines", d.handleEngines)
}

func (d *Daemon) handlePing(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(PingResult{
		Pong:       true,
		Version:    Version,
		ActiveRuns: len(d.store.ActiveRunIDs()),
	})
}

func (d *Daemon) handleShutdown(req *uds.Request) *uds.Response {
	d.log.Infof("shutdown requested over control socket")
	go d.Shutdown()
	return uds.SuccessResponse(map[string]string{"status": "shutting_down"})
}

func (d *Daemon) handleStart(req *uds.Request) *uds.Response {
	var params StartParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if strings.TrimSpace(params.Project) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "project is required")
	}
	if params.Engine == "" {
		params.Engine = d.config.Factory.DefaultEngine
	}

	snap, err := d.coord.StartRun(params.Project, params.Engine, params.Requirements)
	if err != nil {
		return errorToResponse(err)
	}
	return uds.SuccessResponse(snap)
}

func (d *Daemon) handleStatus(req *uds.Request) *uds.Response {
	var params RunParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.RunID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "run_id is required")
	}

	snap, err := d.coord.Status(params.RunID)
	if err != nil {
		return errorToResponse(err)
	}
	return uds.SuccessResponse(snap)
}

func (d *Daemon) handleList(req *uds.Request) *uds.Response {
	var params ListParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}

	var filter model.RunState
	if params.State != "" {
		filter = model.RunState(params.State)
		if !filter.Valid() {
			return uds.ErrorResponse(uds.ErrCodeValidation, "unknown run state: "+params.State)
		}
	}
	return uds.SuccessResponse(d.coord.List(filter))
}

func (d *Daemon) handleStop(req *uds.Request) *uds.Response {
	var params RunParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.RunID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "run_id is required")
	}

	if err := d.coord.StopRun(params.RunID); err != nil {
		return errorToResponse(err)
	}
	snap, err := d.coord.Status(params.RunID)
	if err != nil {
		return errorToResponse(err)
	}
	return uds.SuccessResponse(snap)
}

func (d *Daemon) handleAnswer(req *uds.Request) *uds.Response {
	var params AnswerParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.RunID == "" || params.ClarificationID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "run_id and clarification_id are required")
	}
	if strings.TrimSpace(params.Answer) == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "answer must not be empty")
	}

	if err := d.coord.AnswerClarification(params.RunID, params.ClarificationID, params.Answer); err != nil {
		return errorToResponse(err)
	}
	snap, err := d.coord.Status(params.RunID)
	if err != nil {
		return errorToResponse(err)
	}
	return uds.SuccessResponse(snap)
}

func (d *Daemon) handleResume(req *uds.Request) *uds.Response {
	var params RunParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.RunID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "run_id is required")
	}

	if err := d.coord.ResumeRun(params.RunID); err != nil {
		return errorToResponse(err)
	}
	snap, err := d.coord.Status(params.RunID)
	if err != nil {
		return errorToResponse(err)
	}
	return uds.SuccessResponse(snap)
}

func (d *Daemon) handleAbandon(req *uds.Request) *uds.Response {
	var params RunParams
	if resp := decodeParams(req, &params); resp != nil {
		return resp
	}
	if params.RunID == "" {
		return uds.ErrorResponse(uds.ErrCodeValidation, "run_id is required")
	}

	if err := d.coord.AbandonRun(params.RunID); err != nil {
		return errorToResponse(err)
	}
	snap, err := d.coord.Status(params.RunID)
	if err != nil {
		return errorToResponse(err)
	}
	return uds.SuccessResponse(snap)
}

func (d *Daemon) handleEngines(req *uds.Request) *uds.Response {
	return uds.SuccessResponse(engine.CheckAll())
}

func decodeParams(req *uds.Request, v any) *uds.Response {
	if len(req.Params) == 0 {
		return nil
	}
	if err := json.Unmarshal(req.Params, v); err != nil {
		return uds.ErrorResponse(uds.ErrCodeValidation, "invalid params: "+err.Error())
	}
	return nil
}

// errorToResponse maps coordinator and store errors onto wire error codes.
func errorToResponse(err error) *uds.Response {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return uds.ErrorResponse(uds.ErrCodeNotFound, err.Error())
	case errors.Is(err, store.ErrProjectLocked):
		return uds.ErrorResponse(uds.ErrCodeProjectLocked, err.Error())
	case errors.Is(err, engine.ErrUnknownEngine):
		return uds.ErrorResponse(uds.ErrCodeUnknownEngine, err.Error())
	case errors.Is(err, engine.ErrLaunch):
		return uds.ErrorResponse(uds.ErrCodeLaunch, err.Error())
	case errors.Is(err, coordinator.ErrNotAwaitingClarification):
		return uds.ErrorResponse(uds.ErrCodeNotAwaitingClarification, err.Error())
	case errors.Is(err, coordinator.ErrStaleClarification):
		return uds.ErrorResponse(uds.ErrCodeStaleClarification, err.Error())
	case errors.Is(err, coordinator.ErrNotEscalated):
		return uds.ErrorResponse(uds.ErrCodeNotEscalated, err.Error())
	default:
		return uds.ErrorResponse(uds.ErrCodeInternal, err.Error())
	}
}
