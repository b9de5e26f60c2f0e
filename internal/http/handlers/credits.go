package handlers

import (
	"net/http"
	"strconv"
	"time"
)

type transactionResponse struct {
	ID        string    `json:"id"`
	JobID     string    `json:"job_id,omitempty"`
	Kind      string    `json:"kind"`
	Amount    int       `json:"amount"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreditsBalance returns the caller's current balance.
func (a *App) CreditsBalance(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	balance, err := a.Ledger.Balance(r.Context(), userID)
	if err != nil {
		a.Logger.Error().Err(err).Msg("balance lookup failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load balance")
		return
	}
	a.json(w, http.StatusOK, map[string]any{"balance": balance})
}

// CreditsHistory returns the caller's recent ledger entries, newest first.
func (a *App) CreditsHistory(w http.ResponseWriter, r *http.Request) {
	userID := a.currentUserID(r)
	if userID == "" {
		a.error(w, http.StatusUnauthorized, "unauthorized", "missing user context")
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))

	txs, err := a.Ledger.History(r.Context(), userID, limit)
	if err != nil {
		a.Logger.Error().Err(err).Msg("ledger history failed")
		a.error(w, http.StatusInternalServerError, "internal", "failed to load history")
		return
	}
	items := make([]transactionResponse, 0, len(txs))
	for _, t := range txs {
		items = append(items, transactionResponse{
			ID:        t.ID,
			JobID:     t.JobID,
			Kind:      string(t.Kind),
			Amount:    t.Amount,
			Reason:    t.Reason,
			CreatedAt: t.CreatedAt,
		})
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}
