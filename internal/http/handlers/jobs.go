package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/tiagomennab/ensaio-fotos-sub004/internal/domain"
)

const jobStatusCacheTTL = 5 * time.Second

type createJobRequest struct {
	Kind            string          `json:"kind"`
	Params          json.RawMessage `json:"params"`
	CreditsRequired int             `json:"credits_required"`
}

type jobResponse struct {
	ID              string     `json:"id"`
	Kind            string     `json:"kind"`
	Status          string     `json:"status"`
	CreditsReserved int        `json:"credits_reserved"`
	ErrorDetail     string     `json:"error_detail,omitempty"`
	StorageDegraded bool       `json:"storage_degraded,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

func toJobResponse(job *domain.Job) jobResponse {
	return jobResponse{
		ID:              job.ID,
		Kind:            string(job.Kind),
		Status:          string(job.Status),
		CreditsReserved: job.CreditsReserved,
		ErrorDetail:     job.ErrorDetail,
		StorageDegraded: job.StorageDegraded,
		CreatedAt:       job.CreatedAt,
		UpdatedAt:       job.UpdatedAt,
		CompletedAt:     job.CompletedAt,
	}
}

// JobCreate accepts a generation/training/video request, reserves credits and
// submits it to the provider.
func (a *App) JobCreate(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "invalid payload")
		return
	}

	job, err := a.Service.CreateJob(r.Context(), userID, domain.JobKind(req.Kind), req.Params, req.CreditsRequired)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInsufficientCredits):
			a.error(w, http.StatusPaymentRequired, "insufficient_credits", "not enough credits for this job")
		case errors.Is(err, domain.ErrProviderFailure):
			a.error(w, http.StatusBadGateway, "provider_failure", "the generation provider rejected the job, credits were refunded")
		default:
			a.Logger.Error().Err(err).Msg("create job failed")
			a.error(w, http.StatusBadRequest, "bad_request", "could not create job")
		}
		return
	}
	a.json(w, http.StatusAccepted, toJobResponse(job))
}

// JobStatus returns one job, served from the short-TTL cache when the client
// is polling.
func (a *App) JobStatus(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")

	if cached, ok, err := a.Cache.Get(r.Context(), userID+":"+jobID); err == nil && ok {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(cached)
		return
	}

	job, err := a.Service.GetJob(r.Context(), jobID, userID)
	if err != nil {
		a.jobError(w, err)
		return
	}

	payload, err := json.Marshal(toJobResponse(job))
	if err == nil {
		if cacheErr := a.Cache.Set(r.Context(), userID+":"+jobID, payload, jobStatusCacheTTL); cacheErr != nil {
			a.Logger.Warn().Err(cacheErr).Str("job_id", jobID).Msg("job status cache write failed")
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

// JobList returns the caller's jobs, newest first.
func (a *App) JobList(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	jobs, err := a.Service.ListJobs(r.Context(), userID, limit, offset)
	if err != nil {
		a.Logger.Error().Err(err).Msg("list jobs failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to list jobs")
		return
	}
	items := make([]jobResponse, 0, len(jobs))
	for i := range jobs {
		items = append(items, toJobResponse(&jobs[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// JobArtifacts returns fetchable URLs for a job's outputs.
func (a *App) JobArtifacts(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")

	views, err := a.Service.ListArtifacts(r.Context(), jobID, userID)
	if err != nil {
		a.jobError(w, err)
		return
	}
	a.json(w, http.StatusOK, map[string]any{"items": views})
}

// JobSync is the user-initiated force sync: reconcile one job against the
// provider right now instead of waiting for a webhook or the next sweep.
func (a *App) JobSync(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	jobID := chi.URLParam(r, "job_id")

	job, err := a.Service.ForceSync(r.Context(), jobID, userID)
	if err != nil {
		a.jobError(w, err)
		return
	}
	if cacheErr := a.Cache.Invalidate(r.Context(), userID+":"+jobID); cacheErr != nil {
		a.Logger.Warn().Err(cacheErr).Str("job_id", jobID).Msg("job status cache invalidate failed")
	}
	a.json(w, http.StatusOK, toJobResponse(job))
}

func (a *App) jobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", "job not found")
	case errors.Is(err, domain.ErrForbidden):
		a.error(w, http.StatusForbidden, "forbidden", "job belongs to another user")
	default:
		a.Logger.Error().Err(err).Msg("job request failed")
		a.error(w, http.StatusInternalServerError, "internal", "request failed")
	}
}
