package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/uesteibar/inloop/internal/db"
	"github.com/uesteibar/inloop/internal/ingest"
	"github.com/uesteibar/inloop/internal/item"
	"github.com/uesteibar/inloop/internal/resolve"
	"github.com/uesteibar/inloop/internal/scheduler"
	"github.com/uesteibar/inloop/internal/tracker"
)

const maxBodyBytes = 1 << 20

type apiHandler struct {
	db              *db.DB
	tracker         *tracker.Tracker
	ingest          *ingest.Service
	resolver        *resolve.Resolver
	scheduler       SchedulerStats
	defaultInterval time.Duration
	version         string
	startAt         time.Time
	logger          zerolog.Logger
}

// apiError is the consistent error response format.
type apiError struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, apiError{Error: msg})
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// writeItemError maps tracker and store errors to responses.
func (h *apiHandler) writeItemError(w http.ResponseWriter, err error, msg string) {
	switch {
	case errors.Is(err, db.ErrNotFound):
		writeError(w, http.StatusNotFound, "item not found")
	case errors.Is(err, item.ErrInvalidStatus), errors.Is(err, item.ErrInvalidMetadata):
		writeError(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error().Err(err).Msg(msg)
		writeError(w, http.StatusInternalServerError, msg)
	}
}

func (h *apiHandler) handleStatus(w http.ResponseWriter, r *http.Request) {
	type statusResponse struct {
		Status   string `json:"status"`
		Version  string `json:"version"`
		Uptime   string `json:"uptime"`
		InFlight int    `json:"in_flight"`
	}

	resp := statusResponse{
		Status:  "ok",
		Version: h.version,
		Uptime:  time.Since(h.startAt).Round(time.Second).String(),
	}
	if h.scheduler != nil {
		resp.InFlight = h.scheduler.InFlight()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *apiHandler) handleRegisterSession(w http.ResponseWriter, r *http.Request) {
	var req ingest.Registration
	if !decodeBody(w, r, &req) {
		return
	}

	reg, err := h.ingest.Register(req)
	if err != nil {
		if errors.Is(err, ingest.ErrInvalidRequest) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		h.logger.Error().Err(err).Msg("registering session")
		writeError(w, http.StatusInternalServerError, "failed to register session")
		return
	}
	writeJSON(w, http.StatusCreated, reg)
}

func (h *apiHandler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := h.ingest.Session(r.PathValue("id"))
	if err != nil {
		if errors.Is(err, ingest.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		h.logger.Error().Err(err).Msg("getting session")
		writeError(w, http.StatusInternalServerError, "failed to get session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

func (h *apiHandler) handleUpdateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status item.Status `json:"status"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	it, _, err := h.ingest.UpdateStatus(r.PathValue("id"), body.Status)
	if err != nil {
		switch {
		case errors.Is(err, ingest.ErrSessionNotFound):
			writeError(w, http.StatusNotFound, "session not found")
		case errors.Is(err, ingest.ErrInvalidRequest):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error().Err(err).Msg("updating session")
			writeError(w, http.StatusInternalServerError, "failed to update session")
		}
		return
	}
	writeJSON(w, http.StatusOK, it)
}

// handleListItems returns unarchived items by default; archived=true lists
// the archive and archived=all lists everything.
func (h *apiHandler) handleListItems(w http.ResponseWriter, r *http.Request) {
	var filter db.ItemFilter
	switch v := r.URL.Query().Get("archived"); v {
	case "", "false":
		archived := false
		filter.Archived = &archived
	case "true":
		archived := true
		filter.Archived = &archived
	case "all":
	default:
		writeError(w, http.StatusBadRequest, "archived must be true, false or all")
		return
	}

	items, err := h.db.ListItems(filter)
	if err != nil {
		h.logger.Error().Err(err).Msg("listing items")
		writeError(w, http.StatusInternalServerError, "failed to list items")
		return
	}
	if items == nil {
		items = []item.Item{}
	}
	writeJSON(w, http.StatusOK, items)
}

type addItemRequest struct {
	Input        string `json:"input"`
	Title        string `json:"title,omitempty"`
	PollInterval string `json:"poll_interval,omitempty"`
}

func (h *apiHandler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req addItemRequest
	if !decodeBody(w, r, &req) {
		return
	}

	res, err := h.resolver.Resolve(req.Input)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if res.Type.Pushed() {
		writeError(w, http.StatusUnprocessableEntity, "commands are tracked with `inloop run`, not added")
		return
	}

	title := res.Title
	if req.Title != "" {
		title = resolve.TruncateTitle(req.Title)
	}
	it, err := item.New(res.Type, title, res.Metadata)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if req.PollInterval != "" {
		if it.PollInterval, err = scheduler.ParseInterval(req.PollInterval); err != nil {
			writeError(w, http.StatusBadRequest, "invalid poll_interval: "+req.PollInterval)
			return
		}
	}

	it, err = h.tracker.Track(it)
	if err != nil {
		h.writeItemError(w, err, "failed to add item")
		return
	}
	writeJSON(w, http.StatusCreated, it)
}

func (h *apiHandler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	it, err := h.db.GetItem(r.PathValue("id"))
	if err != nil {
		h.writeItemError(w, err, "failed to get item")
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *apiHandler) handleDeleteItem(w http.ResponseWriter, r *http.Request) {
	if err := h.tracker.Remove(r.PathValue("id")); err != nil {
		h.writeItemError(w, err, "failed to delete item")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandler) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.tracker.Acknowledge, "failed to acknowledge item")
}

func (h *apiHandler) handleArchive(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.tracker.Archive, "failed to archive item")
}

func (h *apiHandler) handleUnarchive(w http.ResponseWriter, r *http.Request) {
	h.itemAction(w, r, h.tracker.Unarchive, "failed to unarchive item")
}

func (h *apiHandler) itemAction(w http.ResponseWriter, r *http.Request, fn func(string) (item.Item, error), msg string) {
	it, err := fn(r.PathValue("id"))
	if err != nil {
		h.writeItemError(w, err, msg)
		return
	}
	writeJSON(w, http.StatusOK, it)
}

func (h *apiHandler) handleListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := h.db.GetItem(id); err != nil {
		h.writeItemError(w, err, "failed to get item")
		return
	}

	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	events, err := h.db.ListEvents(id, limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("listing events")
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	if events == nil {
		events = []db.Event{}
	}
	writeJSON(w, http.StatusOK, events)
}

func queryInt(r *http.Request, key string, def int) int {
	if v := r.URL.Query().Get(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			return parsed
		}
	}
	return def
}

type settingResponse struct {
	Value string `json:"value"`
	// Default is the configured interval used when Value is empty.
	Default string `json:"default,omitempty"`
}

func (h *apiHandler) handleGetPollInterval(w http.ResponseWriter, r *http.Request) {
	v, err := h.db.GetSetting(db.SettingPollInterval)
	if err != nil {
		h.logger.Error().Err(err).Msg("reading setting")
		writeError(w, http.StatusInternalServerError, "failed to read setting")
		return
	}
	writeJSON(w, http.StatusOK, settingResponse{Value: v, Default: h.defaultString()})
}

func (h *apiHandler) handleSetPollInterval(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Value string `json:"value"`
	}
	if !decodeBody(w, r, &body) {
		return
	}

	d, err := scheduler.ParseInterval(body.Value)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid poll_interval: "+body.Value)
		return
	}
	if err := h.db.SetSetting(db.SettingPollInterval, d.String()); err != nil {
		h.logger.Error().Err(err).Msg("writing setting")
		writeError(w, http.StatusInternalServerError, "failed to write setting")
		return
	}
	h.logger.Info().Dur("poll_interval", d).Msg("poll interval updated")
	writeJSON(w, http.StatusOK, settingResponse{Value: d.String(), Default: h.defaultString()})
}

func (h *apiHandler) defaultString() string {
	if h.defaultInterval <= 0 {
		return ""
	}
	return h.defaultInterval.String()
}
