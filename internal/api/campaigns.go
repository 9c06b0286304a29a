// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/callforge/dialer/internal/campaign"
	"github.com/callforge/dialer/internal/persistence/sqlite"
)

// CampaignServer implements the HTTP API (spec.md §6) over the Campaign
// Dispatcher (C3). It holds no business logic of its own — every handler
// validates the request shape and delegates to the Dispatcher.
type CampaignServer struct {
	dispatch  *campaign.Dispatcher
	campaigns *sqlite.CampaignStore
	contacts  *sqlite.ContactStore
	sessions  *sqlite.CallSessionStore
	purgeGrace time.Duration
}

// NewCampaignServer builds a CampaignServer bound to the dispatcher and the
// read-side stores it reports progress/stats from.
func NewCampaignServer(dispatch *campaign.Dispatcher, campaigns *sqlite.CampaignStore, contacts *sqlite.ContactStore, sessions *sqlite.CallSessionStore, purgeGrace time.Duration) *CampaignServer {
	return &CampaignServer{dispatch: dispatch, campaigns: campaigns, contacts: contacts, sessions: sessions, purgeGrace: purgeGrace}
}

// Routes mounts the campaign endpoints (spec.md §6) onto r.
func (s *CampaignServer) Routes(r chi.Router) {
	r.Route("/campaigns", func(r chi.Router) {
		r.Post("/", s.create)
		r.Get("/", s.list)
		r.Route("/{campaignID}", func(r chi.Router) {
			r.Get("/", s.get)
			r.Patch("/", s.update)
			r.Delete("/", s.cancel)
			r.Post("/contacts", s.addContacts)
			r.Post("/start", s.lifecycle(s.dispatch.Start))
			r.Post("/pause", s.lifecycle(s.dispatch.Pause))
			r.Post("/resume", s.lifecycle(s.dispatch.Resume))
			r.Post("/cancel", s.lifecycle(s.dispatch.Cancel))
			r.Post("/retry", s.retry)
			r.Patch("/concurrent-limit", s.setConcurrentLimit)
			r.Delete("/purge", s.purge)
			r.Get("/stats", s.stats)
			r.Get("/progress", s.progress)
		})
	})
}

type createCampaignRequest struct {
	UserID   string                  `json:"userId"`
	AgentID  string                  `json:"agentId"`
	PhoneID  string                  `json:"phoneId"`
	Name     string                  `json:"name"`
	Settings sqlite.CampaignSettings `json:"settings"`
}

func (s *CampaignServer) create(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "MALFORMED_JSON", err.Error())
		return
	}
	c, err := s.dispatch.Create(r.Context(), req.UserID, req.AgentID, req.PhoneID, req.Name, req.Settings)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *CampaignServer) list(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("userId")
	limit, offset := parsePage(r)
	rows, err := s.campaigns.List(r.Context(), userID, limit, offset)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rows)
}

func (s *CampaignServer) get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "campaign not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

type updateCampaignRequest struct {
	Name *string `json:"name,omitempty"`
}

// update covers the subset of Campaign fields that are safe to PATCH outside
// the lifecycle/limit/retry operations (spec.md §6 PATCH /campaigns/:id).
// Renaming is the only field left after lifecycle, limit, and settings each
// get their own dedicated endpoint; CRUD beyond that is an external
// collaborator's concern (spec.md §1).
func (s *CampaignServer) update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	var req updateCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "MALFORMED_JSON", err.Error())
		return
	}
	if req.Name != nil {
		if err := s.campaigns.SetName(r.Context(), id, *req.Name); err != nil {
			writeErr(w, r, err)
			return
		}
	}
	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "campaign not found")
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *CampaignServer) cancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	if err := s.dispatch.Cancel(r.Context(), id); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *CampaignServer) addContacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	var rows []campaign.ContactInput
	if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "MALFORMED_JSON", err.Error())
		return
	}
	res, err := s.dispatch.AddContacts(r.Context(), id, rows)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *CampaignServer) lifecycle(op func(ctx context.Context, campaignID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "campaignID")
		if err := op(r.Context(), id); err != nil {
			writeErr(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *CampaignServer) retry(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	n, err := s.dispatch.RetryFailed(r.Context(), id)
	if err != nil {
		writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"requeued": n})
}

type setLimitRequest struct {
	Limit int `json:"limit"`
}

func (s *CampaignServer) setConcurrentLimit(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	var req setLimitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeProblem(w, r, http.StatusBadRequest, "MALFORMED_JSON", err.Error())
		return
	}
	if err := s.dispatch.SetConcurrentLimit(r.Context(), id, req.Limit); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *CampaignServer) purge(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	if err := s.dispatch.Purge(r.Context(), id, s.purgeGrace); err != nil {
		writeErr(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// statsResponse mirrors Campaign.Counters (spec.md §6 GET /campaigns/:id/stats).
type statsResponse struct {
	Total     int   `json:"total"`
	Queued    int   `json:"queued"`
	Active    int   `json:"active"`
	Completed int   `json:"completed"`
	Failed    int   `json:"failed"`
	Voicemail int   `json:"voicemail"`
	Skipped   int   `json:"skipped"`
	CostCents int64 `json:"totalCostCents"`
}

func (s *CampaignServer) stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "campaign not found")
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{
		Total: c.Counters.Total, Queued: c.Counters.Queued, Active: c.Counters.Active,
		Completed: c.Counters.Completed, Failed: c.Counters.Failed,
		Voicemail: c.Counters.Voicemail, Skipped: c.Counters.Skipped,
		CostCents: c.Counters.TotalCostCents,
	})
}

// progressResponse is the SPEC_FULL.md "Campaign progress snapshot"
// supplement: point-in-time counters plus an extrapolated ETA.
type progressResponse struct {
	statsResponse
	PercentComplete       float64    `json:"percentComplete"`
	EstimatedCompletionAt *time.Time `json:"estimatedCompletionAt,omitempty"`
}

func (s *CampaignServer) progress(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "campaignID")
	c, err := s.campaigns.Get(r.Context(), id)
	if err != nil {
		writeProblem(w, r, http.StatusNotFound, "NOT_FOUND", "campaign not found")
		return
	}
	resp := progressResponse{statsResponse: statsResponse{
		Total: c.Counters.Total, Queued: c.Counters.Queued, Active: c.Counters.Active,
		Completed: c.Counters.Completed, Failed: c.Counters.Failed,
		Voicemail: c.Counters.Voicemail, Skipped: c.Counters.Skipped,
		CostCents: c.Counters.TotalCostCents,
	}}
	settled := c.Counters.Completed + c.Counters.Failed + c.Counters.Voicemail + c.Counters.Skipped
	if c.Counters.Total > 0 {
		resp.PercentComplete = 100 * float64(settled) / float64(c.Counters.Total)
	}
	if eta := estimateCompletion(c, settled); eta != nil {
		resp.EstimatedCompletionAt = eta
	}
	writeJSON(w, http.StatusOK, resp)
}

// estimateCompletion extrapolates from the campaign's recent completion
// rate; nil when there isn't enough settled history yet or the campaign
// isn't active (SPEC_FULL.md "Campaign progress snapshot").
func estimateCompletion(c *sqlite.Campaign, settled int) *time.Time {
	if c.Status != sqlite.CampaignStatusActive || settled == 0 || c.Counters.Total <= settled {
		return nil
	}
	elapsed := time.Since(c.CreatedAt)
	if elapsed <= 0 {
		return nil
	}
	rate := float64(settled) / elapsed.Seconds()
	if rate <= 0 {
		return nil
	}
	remaining := c.Counters.Total - settled
	eta := time.Now().Add(time.Duration(float64(remaining)/rate) * time.Second)
	return &eta
}

func parsePage(r *http.Request) (limit, offset int) {
	limit = 50
	offset = 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}
	return limit, offset
}
