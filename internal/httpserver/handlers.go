package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/assetflowhq/assetflow/internal/workflow"
	"go.uber.org/zap"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	w.Header().Set("content-type", "application/json")
	_, _ = w.Write([]byte(`{"status":"ok"}`))
}

func (s *Server) handleEntityTypes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var et workflow.EntityType
		if err := json.NewDecoder(r.Body).Decode(&et); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		created, err := s.svc.CreateEntityType(et)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, created)
	case http.MethodGet:
		writeJSON(w, map[string]any{"items": s.svc.ListEntityTypes()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEntityTypeRoutes(w http.ResponseWriter, r *http.Request) {
	id, rest := splitPath(r.URL.Path, "/v1/entity-types/")
	if id == "" {
		http.Error(w, "entity type id required", http.StatusBadRequest)
		return
	}
	switch rest {
	case "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		et, err := s.svc.GetEntityType(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, et)
	case "workflows":
		switch r.Method {
		case http.MethodPost:
			var body struct {
				WorkflowID string `json:"workflow_id"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			if err := s.svc.AssignWorkflow(id, body.WorkflowID); err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, map[string]any{"assigned": body.WorkflowID})
		case http.MethodGet:
			writeJSON(w, map[string]any{"items": s.svc.AssignedWorkflowIDs(id)})
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleEntities(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var input workflow.CreateEntityInput
		if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		ent, err := s.svc.CreateEntity(r.Context(), input)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, ent)
	case http.MethodGet:
		writeJSON(w, map[string]any{"items": s.svc.ListEntities()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleEntityRoutes(w http.ResponseWriter, r *http.Request) {
	id, rest := splitPath(r.URL.Path, "/v1/entities/")
	if id == "" {
		http.Error(w, "entity id required", http.StatusBadRequest)
		return
	}
	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			ent, err := s.svc.GetEntity(id)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, ent)
		case http.MethodPatch:
			var input workflow.UpdateEntityInput
			if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			ent, err := s.svc.UpdateEntity(r.Context(), id, input)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, ent)
		case http.MethodDelete:
			if err := s.svc.DeleteEntity(r.Context(), id); err != nil {
				s.writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "records":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"items": s.svc.RecordsForEntity(id)})
	case "status":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		status, err := s.svc.EntityStatus(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, map[string]any{"status": status})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleWorkflows(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		var wf workflow.Workflow
		if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		created, err := s.svc.CreateWorkflow(wf)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, created)
	case http.MethodGet:
		writeJSON(w, map[string]any{"items": s.svc.ListWorkflows()})
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleWorkflowRoutes(w http.ResponseWriter, r *http.Request) {
	id, rest := splitPath(r.URL.Path, "/v1/workflows/")
	if id == "" {
		http.Error(w, "workflow id required", http.StatusBadRequest)
		return
	}
	switch rest {
	case "":
		switch r.Method {
		case http.MethodGet:
			wf, err := s.svc.GetWorkflow(id)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, wf)
		case http.MethodPut:
			var wf workflow.Workflow
			if err := json.NewDecoder(r.Body).Decode(&wf); err != nil {
				http.Error(w, "bad json", http.StatusBadRequest)
				return
			}
			updated, err := s.svc.UpdateWorkflow(id, wf)
			if err != nil {
				s.writeError(w, err)
				return
			}
			writeJSON(w, updated)
		case http.MethodDelete:
			if err := s.svc.DeleteWorkflow(id); err != nil {
				s.writeError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		default:
			w.WriteHeader(http.StatusMethodNotAllowed)
		}
	case "versions":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		writeJSON(w, map[string]any{"items": s.svc.ListVersions(id)})
	case "rollback":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			Version int `json:"version"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		wf, err := s.svc.RollbackWorkflow(id, body.Version)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, wf)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (s *Server) handleTemplates(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, map[string]any{"items": workflow.BuiltinTemplates})
	case http.MethodPost:
		var body struct {
			TemplateID string `json:"template_id"`
			Name       string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		var tpl *workflow.Workflow
		for i := range workflow.BuiltinTemplates {
			if workflow.BuiltinTemplates[i].ID == body.TemplateID {
				tpl = &workflow.BuiltinTemplates[i]
				break
			}
		}
		if tpl == nil {
			http.Error(w, "template not found", http.StatusNotFound)
			return
		}
		wf := *tpl
		wf.ID = ""
		if strings.TrimSpace(body.Name) != "" {
			wf.Name = body.Name
		}
		created, err := s.svc.CreateWorkflow(wf)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, created)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var body struct {
		EntityID   string `json:"entity_id"`
		WorkflowID string `json:"workflow_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	rec, err := s.svc.StartRecord(r.Context(), body.EntityID, body.WorkflowID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, rec)
}

func (s *Server) handleRecordRoutes(w http.ResponseWriter, r *http.Request) {
	id, rest := splitPath(r.URL.Path, "/v1/records/")
	if id == "" {
		http.Error(w, "record id required", http.StatusBadRequest)
		return
	}
	switch {
	case rest == "":
		if r.Method != http.MethodGet {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := s.svc.GetRecord(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, rec)
	case strings.HasPrefix(rest, "steps/"):
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		stepID := strings.TrimPrefix(rest, "steps/")
		if stepID == "" {
			http.Error(w, "step id required", http.StatusBadRequest)
			return
		}
		var data map[string]any
		if err := json.NewDecoder(r.Body).Decode(&data); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		rec, err := s.svc.SubmitStep(r.Context(), id, stepID, data)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, rec)
	case rest == "approvals":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		var body struct {
			StepID string `json:"step_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		rec, err := s.svc.ApproveStep(r.Context(), id, body.StepID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, rec)
	case rest == "restart":
		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		rec, err := s.svc.RestartRecord(r.Context(), id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, rec)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// splitPath strips the route prefix and returns the leading id and whatever
// follows it.
func splitPath(path, prefix string) (id, rest string) {
	trimmed := strings.TrimPrefix(path, prefix)
	parts := strings.SplitN(trimmed, "/", 2)
	id = parts[0]
	if len(parts) == 2 {
		rest = parts[1]
	}
	return id, rest
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var verrs workflow.ValidationErrors
	if errors.As(err, &verrs) {
		w.Header().Set("content-type", "application/json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_ = json.NewEncoder(w).Encode(map[string]any{"errors": verrs})
		return
	}
	var transition *workflow.InvalidTransitionError
	switch {
	case errors.As(err, &transition):
		http.Error(w, transition.Reason, http.StatusConflict)
	case errors.Is(err, workflow.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, workflow.ErrInvalidDefinition):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.logger.Error("request failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("content-type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
