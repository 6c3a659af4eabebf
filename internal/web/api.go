package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/meshwork/plexus/internal/agentpool"
	"github.com/meshwork/plexus/internal/delegate"
	"github.com/meshwork/plexus/internal/message"
	"github.com/meshwork/plexus/internal/routing"
	"github.com/meshwork/plexus/internal/schedule"
	"github.com/meshwork/plexus/internal/store"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Messaging
	mux.HandleFunc("POST /api/messages", s.postMessage)
	mux.HandleFunc("POST /api/messages/broadcast", s.postBroadcast)

	// Delegations
	mux.HandleFunc("POST /api/delegations", s.postDelegation)
	mux.HandleFunc("GET /api/delegations", s.listDelegations)
	mux.HandleFunc("GET /api/delegations/{id}", s.getDelegation)

	// Servers (routing table)
	mux.HandleFunc("GET /api/servers", s.listServers)
	mux.HandleFunc("POST /api/servers", s.upsertServer)
	mux.HandleFunc("DELETE /api/servers/{id}", s.removeServer)

	// Agents
	mux.HandleFunc("GET /api/agents", s.listAgents)
	mux.HandleFunc("POST /api/agents", s.registerAgent)
	mux.HandleFunc("POST /api/agents/{id}/heartbeat", s.agentHeartbeat)
	mux.HandleFunc("DELETE /api/agents/{id}", s.unregisterAgent)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}/status", s.updateScheduleStatus)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Metrics and health
	mux.HandleFunc("GET /api/metrics/routing", s.routingMetrics)
	mux.HandleFunc("GET /api/metrics/coordination", s.coordinationMetrics)
	mux.HandleFunc("GET /api/health", s.systemHealth)
	mux.HandleFunc("POST /api/scale", s.scaleAgents)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

type messageRequest struct {
	Source    string           `json:"source"`
	Target    string           `json:"target,omitempty"`
	Operation string           `json:"operation"`
	Type      message.Type     `json:"type,omitempty"`
	Priority  message.Priority `json:"priority,omitempty"`
	Payload   map[string]any   `json:"payload,omitempty"`
	TTLMs     int64            `json:"ttl_ms,omitempty"`
}

func (req *messageRequest) build() *message.BaseMessage {
	mt := req.Type
	if mt == "" {
		mt = message.TypeRequest
	}
	msg := message.New(req.Source, req.Target, req.Operation, mt, req.Payload)
	if req.Priority != "" {
		msg.WithPriority(req.Priority)
	}
	if req.TTLMs > 0 {
		msg.Metadata.TTL = time.Duration(req.TTLMs) * time.Millisecond
	}
	return msg
}

func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}

	res := s.svc.Dispatch(r.Context(), req.build())
	jsonResponse(w, res)
}

func (s *Server) postBroadcast(w http.ResponseWriter, r *http.Request) {
	var req struct {
		messageRequest
		Targets []string `json:"targets,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.Source == "" {
		req.Source = "api"
	}
	req.Type = message.TypeBroadcast

	res := s.svc.Broadcast(r.Context(), req.build(), req.Targets)
	jsonResponse(w, res)
}

func (s *Server) postDelegation(w http.ResponseWriter, r *http.Request) {
	var req delegate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	res, err := s.svc.Delegate(r.Context(), req)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) listDelegations(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.DelegationRecord{})
		return
	}
	recs, err := s.store.ListDelegations(50)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, recs)
}

func (s *Server) getDelegation(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "persistence disabled", http.StatusNotFound)
		return
	}
	id := r.PathValue("id")
	rec, err := s.store.GetDelegation(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	execs, err := s.store.ListExecutions(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{
		"delegation": rec,
		"executions": execs,
	})
}

func (s *Server) listServers(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.svc.Router().Table().Snapshot())
}

func (s *Server) upsertServer(w http.ResponseWriter, r *http.Request) {
	var entry routing.Entry
	if err := json.NewDecoder(r.Body).Decode(&entry); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if entry.ServerID == "" {
		jsonError(w, "server_id is required", http.StatusBadRequest)
		return
	}
	if err := s.svc.Router().Table().Upsert(entry); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) removeServer(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	s.svc.Router().Table().Remove(id)
	s.svc.Router().Breakers().Remove(id)
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.svc.Coordinator().Agents().Snapshot())
}

func (s *Server) registerAgent(w http.ResponseWriter, r *http.Request) {
	var agent agentpool.SubAgent
	if err := json.NewDecoder(r.Body).Decode(&agent); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.svc.Coordinator().RegisterAgent(agent); err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok", "agent_id": agent.AgentID})
}

func (s *Server) agentHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Coordinator().AgentHeartbeat(id); err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) unregisterAgent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.svc.Coordinator().UnregisterAgent(r.Context(), id); err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonResponse(w, []store.DelegationSchedule{})
		return
	}
	scheds, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, scheds)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name     string          `json:"name"`
		Schedule string          `json:"schedule"`
		Request  json.RawMessage `json:"request"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Schedule == "" || len(body.Request) == 0 {
		jsonError(w, "name, schedule and request are required", http.StatusBadRequest)
		return
	}

	spec, err := schedule.Parse(body.Schedule)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	encoded, err := spec.Encode()
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// The request template must at least decode as a delegation request.
	var req delegate.Request
	if err := json.Unmarshal(body.Request, &req); err != nil || len(req.Tasks) == 0 {
		jsonError(w, "request must contain at least one task", http.StatusBadRequest)
		return
	}

	rec := store.DelegationSchedule{
		ID:       uuid.New().String(),
		Name:     body.Name,
		Schedule: encoded,
		Request:  string(body.Request),
	}
	if next, ok := spec.Next(time.Now()); ok {
		rec.NextRunAt = &next
	}

	if err := s.store.CreateSchedule(rec); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok", "id": rec.ID, "schedule": spec.Describe()})
}

func (s *Server) updateScheduleStatus(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	switch body.Status {
	case "active", "paused":
	default:
		jsonError(w, fmt.Sprintf("unknown status %q", body.Status), http.StatusBadRequest)
		return
	}

	if err := s.store.UpdateScheduleStatus(r.PathValue("id"), body.Status); err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		jsonError(w, "persistence disabled", http.StatusServiceUnavailable)
		return
	}
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": "ok"})
}

func (s *Server) routingMetrics(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"metrics":  s.svc.Router().Metrics(),
		"breakers": s.svc.Router().Breakers().States(),
	})
}

func (s *Server) coordinationMetrics(w http.ResponseWriter, r *http.Request) {
	coord := s.svc.Coordinator()
	jsonResponse(w, map[string]any{
		"active_tasks":   coord.ActiveTasks(),
		"agents":         coord.Agents().Snapshot(),
		"total_capacity": coord.Agents().TotalCapacity(),
		"dispatch":       s.svc.Telemetry(),
	})
}

func (s *Server) systemHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.svc.SystemHealth())
}

func (s *Server) scaleAgents(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.svc.Coordinator().ScaleAgents(r.Context()))
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, map[string]any{
		"version": s.version,
		"uptime":  formatUptime(time.Since(s.startedAt)),
		"health":  s.svc.SystemHealth().Status,
	})
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
