package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pnw-tools/raidscout/internal/model"
	"github.com/pnw-tools/raidscout/internal/raid"
	"github.com/pnw-tools/raidscout/internal/resilience"
)

type handlers struct {
	deps Deps
}

// RaidRequest is the body of POST /raid.
type RaidRequest struct {
	NationID   int     `json:"nation_id"`
	Score      float64 `json:"score"`
	AllianceID int     `json:"alliance_id"`
	MinRatio   float64 `json:"min_ratio"`
	MaxRatio   float64 `json:"max_ratio"`
	Size       int     `json:"size"`
	Page       int     `json:"page"`
}

// RaidResponse is one page of a ranked result.
type RaidResponse struct {
	RunID      string           `json:"run_id"`
	Requester  raid.Requester   `json:"requester"`
	MinScore   float64          `json:"min_score"`
	MaxScore   float64          `json:"max_score"`
	Initial    int              `json:"initial"`
	Counts     map[string]int   `json:"counts"`
	Total      int              `json:"total"`
	Estimated  int              `json:"estimated"`
	Page       int              `json:"page"`
	Pages      int              `json:"pages"`
	Candidates []raid.Candidate `json:"candidates"`
	Prices     model.PriceTable `json:"prices,omitempty"`
}

// NewRaidResponse pages res.
func NewRaidResponse(res *raid.Result, size, page int) RaidResponse {
	candidates := res.Top(size, page)
	if candidates == nil {
		candidates = []raid.Candidate{}
	}
	return RaidResponse{
		RunID:      res.RunID,
		Requester:  res.Requester,
		MinScore:   res.MinScore,
		MaxScore:   res.MaxScore,
		Initial:    res.Initial,
		Counts:     res.Counts,
		Total:      len(res.Candidates),
		Estimated:  res.Estimated(),
		Page:       page,
		Pages:      res.Pages(size),
		Candidates: candidates,
		Prices:     res.Prices,
	}
}

func (h *handlers) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *handlers) raid(w http.ResponseWriter, r *http.Request) {
	var req RaidRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NationID == 0 && req.Score <= 0 {
		writeError(w, http.StatusBadRequest, "nation_id or score is required")
		return
	}
	if req.Page < 0 {
		writeError(w, http.StatusBadRequest, "page must be >= 0")
		return
	}
	size := h.pageSize(req.Size)

	res, err := h.deps.Raid.Run(r.Context(), raid.Request{
		Requester: raid.Requester{
			NationID:   req.NationID,
			Score:      req.Score,
			AllianceID: req.AllianceID,
		},
		MinScoreRatio: req.MinRatio,
		MaxScoreRatio: req.MaxRatio,
	})
	if err != nil {
		h.fail(w, "raid", err)
		return
	}
	writeJSON(w, http.StatusOK, NewRaidResponse(res, size, req.Page))
}

func (h *handlers) counters(w http.ResponseWriter, r *http.Request) {
	attacker, err := intParam(r, "attacker", 0)
	if err != nil || attacker <= 0 {
		writeError(w, http.StatusBadRequest, "attacker is required")
		return
	}
	alliance, err := intParam(r, "alliance", 0)
	if err != nil || alliance <= 0 {
		writeError(w, http.StatusBadRequest, "alliance is required")
		return
	}
	counters, err := h.deps.Raid.CounterTargets(r.Context(), attacker, alliance)
	if err != nil {
		h.fail(w, "counters", err)
		return
	}
	if counters == nil {
		counters = []raid.Counter{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"attacker": attacker, "alliance": alliance, "counters": counters})
}

func (h *handlers) purge(w http.ResponseWriter, r *http.Request) {
	nation, err := intParam(r, "nation", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "nation must be an integer")
		return
	}
	alliance, err := intParam(r, "alliance", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, "alliance must be an integer")
		return
	}
	score, err := floatParam(r, "score")
	if err != nil {
		writeError(w, http.StatusBadRequest, "score must be a number")
		return
	}
	maxScore, err := floatParam(r, "max_score")
	if err != nil {
		writeError(w, http.StatusBadRequest, "max_score must be a number")
		return
	}
	targets, err := h.deps.Raid.PurgeTargets(r.Context(), raid.PurgeRequest{
		Requester: raid.Requester{NationID: nation, Score: score, AllianceID: alliance},
		MaxScore:  maxScore,
	})
	if err != nil {
		h.fail(w, "purge", err)
		return
	}
	if targets == nil {
		targets = []model.Nation{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"targets": targets})
}

func (h *handlers) keys(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"keys": h.deps.Keys.Stats()})
}

func (h *handlers) resetKeys(w http.ResponseWriter, _ *http.Request) {
	h.deps.Keys.ResetAll()
	writeJSON(w, http.StatusOK, map[string]any{"status": "reset", "keys": h.deps.Keys.Stats()})
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	lookback, err := intParam(r, "lookback", h.deps.LookbackHours)
	if err != nil || lookback <= 0 {
		writeError(w, http.StatusBadRequest, "lookback must be a positive integer")
		return
	}
	snap, err := h.deps.Status.Collect(r.Context(), lookback)
	if err != nil {
		h.fail(w, "status", err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) pageSize(n int) int {
	if n <= 0 {
		return h.deps.PageSize
	}
	return min(n, maxPageSize)
}

// fail maps pipeline errors onto status codes.
func (h *handlers) fail(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, raid.ErrRequesterUnknown):
		writeError(w, http.StatusNotFound, err.Error())
	case resilience.IsConfiguration(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timed out")
	default:
		zap.L().Error("api: request failed", zap.String("component", "api"), zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func intParam(r *http.Request, name string, def int) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def, nil
	}
	return strconv.Atoi(s)
}

func floatParam(r *http.Request, name string) (float64, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	return strconv.ParseFloat(s, 64)
}
