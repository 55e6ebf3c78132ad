package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/intakeflow/intakeflow/internal/models"
)

// stepsHandler serves the step catalog collection: GET lists the current
// chain in ask order, POST splices a new step after an existing one.
func (s *Server) stepsHandler(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.listStepsHandler(w, r)
	case http.MethodPost:
		s.insertStepHandler(w, r)
	default:
		w.Header().Set("Allow", http.MethodGet+", "+http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// stepHandler serves a single named step: PATCH updates its prompts,
// DELETE removes it and bridges the chain around it.
func (s *Server) stepHandler(w http.ResponseWriter, r *http.Request) {
	stepName := strings.TrimPrefix(r.URL.Path, "/api/flow/steps/")
	if stepName == "" || strings.Contains(stepName, "/") {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown step path"))
		return
	}
	switch r.Method {
	case http.MethodPatch:
		s.updateStepHandler(w, r, stepName)
	case http.MethodDelete:
		s.deleteStepHandler(w, r, stepName)
	default:
		w.Header().Set("Allow", http.MethodPatch+", "+http.MethodDelete)
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) listStepsHandler(w http.ResponseWriter, r *http.Request) {
	steps, err := s.store.ListSteps(s.engine.FlowID())
	if err != nil {
		slog.Error("Server.listStepsHandler: failed to list steps", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list steps"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(steps))
}

func (s *Server) insertStepHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var ins models.StepInsert
	if err := json.NewDecoder(r.Body).Decode(&ins); err != nil {
		slog.Warn("Server.insertStepHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if err := ins.Validate(); err != nil {
		writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
		return
	}

	steps, err := s.store.InsertStepAfter(s.engine.FlowID(), ins)
	if errors.Is(err, models.ErrStepNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown step: "+ins.InsertAfter))
		return
	}
	if err != nil {
		slog.Error("Server.insertStepHandler: failed to insert step", "error", err, "insertAfter", ins.InsertAfter)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to insert step"))
		return
	}
	slog.Info("Server.insertStepHandler: step inserted", "insertAfter", ins.InsertAfter, "steps", len(steps))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Step inserted", steps))
}

func (s *Server) updateStepHandler(w http.ResponseWriter, r *http.Request, stepName string) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	var upd models.StepUpdate
	if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
		slog.Warn("Server.updateStepHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}

	steps, err := s.store.UpdateStep(s.engine.FlowID(), stepName, upd)
	if errors.Is(err, models.ErrStepNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown step: "+stepName))
		return
	}
	if err != nil {
		slog.Error("Server.updateStepHandler: failed to update step", "error", err, "step", stepName)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to update step"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Step updated", steps))
}

func (s *Server) deleteStepHandler(w http.ResponseWriter, r *http.Request, stepName string) {
	steps, err := s.store.DeleteStep(s.engine.FlowID(), stepName)
	if errors.Is(err, models.ErrStepNotFound) {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Unknown step: "+stepName))
		return
	}
	if err != nil {
		slog.Error("Server.deleteStepHandler: failed to delete step", "error", err, "step", stepName)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to delete step"))
		return
	}
	slog.Info("Server.deleteStepHandler: step deleted", "step", stepName, "steps", len(steps))
	writeJSONResponse(w, http.StatusOK, models.SuccessWithMessage("Step deleted", steps))
}
