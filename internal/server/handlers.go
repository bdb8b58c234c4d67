package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/spf13/cast"
	"go.uber.org/zap"

	"github.com/nocturne/connectors/internal/orchestrator"
	"github.com/nocturne/connectors/pkg/connector/registry"
	"github.com/nocturne/connectors/pkg/errors"
	"github.com/nocturne/connectors/pkg/logger"
	"github.com/nocturne/connectors/pkg/metrics"
)

// SyncResponse is the body of POST /sync
type SyncResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Connector string `json:"connector,omitempty"`
	CycleID   string `json:"cycleId,omitempty"`
	ErrorType string `json:"errorType,omitempty"`
}

// HealthData is the body of GET /health/data
type HealthData struct {
	ConnectorName string          `json:"connectorName"`
	Status        string          `json:"status"`
	Metrics       *DataMetrics    `json:"metrics,omitempty"`
	RecentEntries []time.Time     `json:"recentEntries"`
	Configuration Configuration   `json:"configuration"`
	Health        *HealthSummary  `json:"health,omitempty"`
	LastSync      *LastSyncResult `json:"lastSync,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// DataMetrics are the ingest counters of one connector
type DataMetrics struct {
	TotalEntries       int64      `json:"totalEntries"`
	TotalTreatments    int64      `json:"totalTreatments"`
	LastEntryTime      *time.Time `json:"lastEntryTime"`
	EntriesLast24Hours int        `json:"entriesLast24Hours"`
	LastSyncTime       *time.Time `json:"lastSyncTime"`
}

// Configuration echoes the non-secret connector settings
type Configuration struct {
	SyncIntervalMinutes float64 `json:"syncIntervalMinutes"`
	ConnectSource       string  `json:"connectSource"`
	Region              string  `json:"region,omitempty"`
}

// HealthSummary is the health predicate of one connector
type HealthSummary struct {
	Healthy             bool   `json:"healthy"`
	ConsecutiveFailures int    `json:"consecutiveFailures"`
	State               string `json:"state"`
	LastError           string `json:"lastError,omitempty"`
}

// LastSyncResult summarizes the most recent finished cycle
type LastSyncResult struct {
	CycleID    string     `json:"cycleId"`
	State      string     `json:"state"`
	Succeeded  bool       `json:"succeeded"`
	Entries    int        `json:"entries"`
	Treatments int        `json:"treatments"`
	Checkpoint *time.Time `json:"checkpoint,omitempty"`
	Error      string     `json:"error,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleHealthData(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("connector")
	if name == "" && len(s.manager.Names()) != 1 {
		all := make([]HealthData, 0, len(s.manager.Names()))
		for _, o := range s.manager.All() {
			all = append(all, s.healthData(o))
		}
		writeJSON(w, http.StatusOK, map[string]any{"connectors": all})
		return
	}

	o, err := s.manager.Resolve(name)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, s.healthData(o))
}

// healthData answers even when the tracker is missing or fails
func (s *Server) healthData(o *orchestrator.Orchestrator) (data HealthData) {
	cfg := o.Config()
	data = HealthData{
		ConnectorName: cfg.Name,
		Status:        "running",
		RecentEntries: []time.Time{},
		Configuration: Configuration{
			SyncIntervalMinutes: cfg.SyncInterval.Minutes(),
			ConnectSource:       connectSource(cfg.Type),
			Region:              cfg.Region,
		},
	}

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("health data unavailable", zap.String("connector", cfg.Name), zap.Any("panic", r))
			data.Status = "unknown"
			data.Metrics = nil
			data.Health = nil
			data.Error = "metrics unavailable"
		}
	}()

	tracker := o.Tracker()
	if tracker == nil {
		data.Status = "unknown"
		data.Error = "metrics unavailable"
		return data
	}

	snap := tracker.Snapshot()
	data.Metrics = &DataMetrics{
		TotalEntries:       snap.TotalEntries,
		TotalTreatments:    snap.TotalTreatments,
		LastEntryTime:      snap.LastEntryTime,
		EntriesLast24Hours: snap.EntriesLast24Hours,
		LastSyncTime:       snap.LastSyncTime,
	}
	if snap.RecentEntries != nil {
		data.RecentEntries = snap.RecentEntries
	}
	data.Health = &HealthSummary{
		Healthy:             snap.Healthy,
		ConsecutiveFailures: snap.ConsecutiveFailures,
		State:               snap.State,
		LastError:           snap.LastError,
	}
	data.Status = statusOf(o.State(), snap)
	data.LastSync = lastSync(o.LastResult())
	return data
}

func statusOf(state orchestrator.State, snap metrics.Snapshot) string {
	switch {
	case state == orchestrator.StateRunning:
		return "syncing"
	case !snap.Healthy:
		return "unhealthy"
	default:
		return "running"
	}
}

func lastSync(res *orchestrator.Result) *LastSyncResult {
	if res == nil {
		return nil
	}
	out := &LastSyncResult{
		CycleID:    res.CycleID,
		State:      string(res.State),
		Succeeded:  res.Succeeded(),
		Entries:    res.Entries,
		Treatments: res.Treatments,
	}
	if !res.Checkpoint.IsZero() {
		cp := res.Checkpoint
		out.Checkpoint = &cp
	}
	if res.Err != nil {
		out.Error = res.Err.Error()
	}
	return out
}

func connectSource(connectorType string) string {
	for _, info := range registry.List() {
		if info.Type == connectorType && info.Description != "" {
			return info.Description
		}
	}
	return connectorType
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var lookback time.Duration
	if raw := q.Get("days"); raw != "" {
		days, err := cast.ToIntE(raw)
		if err != nil || days < 1 || days > MaxSyncDays {
			writeJSON(w, http.StatusBadRequest, SyncResponse{
				Message:   fmt.Sprintf("days must be an integer within [1,%d]", MaxSyncDays),
				ErrorType: string(errors.ErrorTypeConfig),
			})
			return
		}
		lookback = time.Duration(days) * 24 * time.Hour
	}

	o, err := s.manager.Resolve(q.Get("connector"))
	if err != nil {
		writeJSON(w, http.StatusNotFound, SyncResponse{
			Message:   err.Error(),
			ErrorType: string(errors.TypeOf(err)),
		})
		return
	}

	// The cycle outlives a disconnecting client but not the host.
	ctx, cancel := context.WithTimeout(s.hostContext(), s.syncTimeout)
	defer cancel()
	if reqID := middleware.GetReqID(r.Context()); reqID != "" {
		ctx = logger.ContextWithRequestID(ctx, reqID)
	}

	res, err := o.SyncOnce(ctx, lookback)
	switch {
	case errors.Is(err, orchestrator.ErrSyncInProgress):
		writeJSON(w, http.StatusConflict, SyncResponse{
			Message:   "a sync is already running for " + o.Name(),
			Connector: o.Name(),
			ErrorType: string(errors.ErrorTypeConflict),
		})
	case err != nil && s.hostContext().Err() != nil:
		writeJSON(w, http.StatusServiceUnavailable, SyncResponse{
			Message:   "sync aborted: host shutting down",
			Connector: o.Name(),
			ErrorType: string(errors.TypeOf(err)),
		})
	case err != nil:
		resp := SyncResponse{
			Message:   "sync failed: " + err.Error(),
			Connector: o.Name(),
			ErrorType: string(errors.TypeOf(err)),
		}
		if res != nil {
			resp.CycleID = res.CycleID
		}
		writeJSON(w, http.StatusBadGateway, resp)
	default:
		writeJSON(w, http.StatusOK, SyncResponse{
			Success:   true,
			Message:   fmt.Sprintf("synced %d entries and %d treatments", res.Entries, res.Treatments),
			Connector: o.Name(),
			CycleID:   res.CycleID,
		})
	}
}

func (s *Server) handleConnectors(w http.ResponseWriter, _ *http.Request) {
	type connectorView struct {
		Name         string  `json:"name"`
		Type         string  `json:"type"`
		Region       string  `json:"region,omitempty"`
		State        string  `json:"state"`
		SyncInterval float64 `json:"syncIntervalMinutes"`
	}
	configured := make([]connectorView, 0, len(s.manager.Names()))
	for _, o := range s.manager.All() {
		cfg := o.Config()
		configured = append(configured, connectorView{
			Name:         cfg.Name,
			Type:         cfg.Type,
			Region:       cfg.Region,
			State:        string(o.State()),
			SyncInterval: cfg.SyncInterval.Minutes(),
		})
	}
	body := map[string]any{
		"configured": configured,
		"available":  registry.List(),
	}
	if s.http != nil {
		body["http"] = s.http.GetStats()
	}
	writeJSON(w, http.StatusOK, body)
}
