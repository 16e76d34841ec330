package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/broker-protection/internal/calculator"
	"github.com/broker-protection/internal/models"
	"github.com/broker-protection/internal/queue"
	"github.com/gorilla/mux"
)

// commandRequest is the body of POST /api/v1/commands.
type commandRequest struct {
	Command string `json:"command"`
}

// Commands beyond the queue's own command set.
const (
	commandStartImmediateScan = "startImmediateScan"
	commandStop               = "stop"
	commandSyncBrokers        = "syncBrokers"
)

// handleStatus reports the queue state.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.queue.Status())
}

// handleCommand dispatches a manual command. Queue batches run in the
// background; the response only acknowledges acceptance.
func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body", nil)
		return
	}

	switch req.Command {
	case commandStop:
		s.queue.Stop()
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "stopping"})
		return

	case commandSyncBrokers:
		if s.brokerSync == nil {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "broker sync is not configured", nil)
			return
		}
		if err := s.brokerSync.CheckForUpdatesSkippingLimiter(r.Context()); err != nil {
			respondCategorized(w, err)
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "synced"})
		return

	case commandStartImmediateScan:
		// Batches outlive the request.
		s.queue.StartImmediateScans(context.Background(), s.logBatchErrors(req.Command), nil)
		respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
		return
	}

	if err := s.queue.Execute(context.Background(), queue.Command(req.Command), s.logBatchErrors(req.Command), nil); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, err.Error(), nil)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// logBatchErrors builds the error handler for fire-and-forget batches.
func (s *Server) logBatchErrors(command string) func(*queue.ErrorCollection) {
	return func(ec *queue.ErrorCollection) {
		if ec == nil {
			return
		}
		s.logger.WithError(ec).WithField("command", command).Warn("Manual batch finished with errors")
	}
}

// stalledMetricsResponse is the body of GET /api/v1/metrics/stalled.
type stalledMetricsResponse struct {
	JobType         string         `json:"jobType"`
	Total           int            `json:"total"`
	Stalled         int            `json:"stalled"`
	TotalByBroker   map[string]int `json:"totalByBroker"`
	StalledByBroker map[string]int `json:"stalledByBroker"`
}

// handleStalledMetrics computes stalled-operation counts over the current
// history. Query parameters: jobType (scan|optOut), staleMinutes,
// lookbackHours.
func (s *Server) handleStalledMetrics(w http.ResponseWriter, r *http.Request) {
	jobType := models.JobTypeScan
	switch r.URL.Query().Get("jobType") {
	case "", string(models.JobTypeScan):
	case string(models.JobTypeOptOut):
		jobType = models.JobTypeOptOut
	default:
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "jobType must be scan or optOut", nil)
		return
	}

	var opts []calculator.Option
	if raw := r.URL.Query().Get("staleMinutes"); raw != "" {
		minutes, err := strconv.Atoi(raw)
		if err != nil || minutes <= 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "staleMinutes must be a positive integer", nil)
			return
		}
		opts = append(opts, calculator.WithStaleTimeout(time.Duration(minutes)*time.Minute))
	}
	if raw := r.URL.Query().Get("lookbackHours"); raw != "" {
		hours, err := strconv.Atoi(raw)
		if err != nil || hours <= 0 {
			respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "lookbackHours must be a positive integer", nil)
			return
		}
		opts = append(opts, calculator.WithLookbackWindow(time.Duration(hours)*time.Hour))
	}

	data, err := s.repo.FetchAllBrokerProfileQueryData(r.Context())
	if err != nil {
		respondCategorized(w, err)
		return
	}

	result := calculator.NewStalledOperationCalculator(jobType, opts...).Calculate(data)
	respondJSON(w, http.StatusOK, stalledMetricsResponse{
		JobType:         string(jobType),
		Total:           result.Total,
		Stalled:         result.Stalled,
		TotalByBroker:   result.TotalByBroker,
		StalledByBroker: result.StalledByBroker,
	})
}

// mismatchResponse is one divergent pair in GET /api/v1/metrics/mismatches.
type mismatchResponse struct {
	BrokerKey      string `json:"brokerKey"`
	BrokerID       int64  `json:"brokerId"`
	ProfileQueryID int64  `json:"profileQueryId"`
	EventCount     int    `json:"eventCount"`
	RecordedCount  int    `json:"recordedCount"`
	Parity         string `json:"parity"`
}

// handleMismatches reconciles recorded match counts against the event log.
func (s *Server) handleMismatches(w http.ResponseWriter, r *http.Request) {
	mismatches := s.mismatch.CalculateMismatches(r.Context())

	out := make([]mismatchResponse, 0, len(mismatches))
	for _, m := range mismatches {
		out = append(out, mismatchResponse{
			BrokerKey:      m.BrokerKey,
			BrokerID:       m.BrokerID,
			ProfileQueryID: m.ProfileQueryID,
			EventCount:     m.EventCount,
			RecordedCount:  m.RecordedCount,
			Parity:         string(m.Parity),
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"mismatches": out})
}

// handleNextEligibleDate reports the earliest preferred run date.
func (s *Server) handleNextEligibleDate(w http.ResponseWriter, r *http.Request) {
	first, err := s.repo.FetchFirstEligibleJobDate(r.Context())
	if err != nil {
		respondCategorized(w, err)
		return
	}

	resp := map[string]interface{}{"nextEligibleDate": nil}
	if first != nil {
		resp["nextEligibleDate"] = first.Format(time.RFC3339)
	}
	respondJSON(w, http.StatusOK, resp)
}

// profileRequest is the body of PUT /api/v1/profile.
type profileRequest struct {
	Payload []byte `json:"payload"`
}

// handleSaveProfile stores the user profile document.
func (s *Server) handleSaveProfile(w http.ResponseWriter, r *http.Request) {
	var req profileRequest
	if err := parseJSONBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "invalid request body", nil)
		return
	}
	if len(req.Payload) == 0 {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "payload cannot be empty", nil)
		return
	}

	profile := models.Profile{Payload: req.Payload, UpdatedAt: time.Now()}
	if err := s.repo.SaveProfile(r.Context(), profile); err != nil {
		respondCategorized(w, err)
		return
	}

	// A fresh profile warrants an instant scan.
	s.queue.StartImmediateScans(context.Background(), s.logBatchErrors("profileSaved"), nil)

	respondJSON(w, http.StatusOK, map[string]string{"status": "saved"})
}

// handleGetProfile returns the stored profile, if any.
func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	profile, err := s.repo.FetchProfile(r.Context())
	if err != nil {
		respondCategorized(w, err)
		return
	}
	if profile == nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "no profile stored", nil)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"payload":   profile.Payload,
		"updatedAt": profile.UpdatedAt.Format(time.RFC3339),
	})
}

// handleDeleteProfile removes the profile and all derived job data.
func (s *Server) handleDeleteProfile(w http.ResponseWriter, r *http.Request) {
	s.queue.Stop()
	if err := s.repo.DeleteProfileData(r.Context()); err != nil {
		respondCategorized(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleMatchRemoved marks an opt-out job's match as removed by the user.
func (s *Server) handleMatchRemoved(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, ErrCodeInvalidInput, "id must be an integer", nil)
		return
	}

	if err := s.repo.MatchRemovedByUser(r.Context(), id); err != nil {
		respondCategorized(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "removed"})
}
