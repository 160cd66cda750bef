package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/RTX-TreDiX/GCPMS/internal/price"
	"github.com/RTX-TreDiX/GCPMS/internal/remotesync"
	"github.com/RTX-TreDiX/GCPMS/internal/series"
	"github.com/RTX-TreDiX/GCPMS/internal/settings"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("Failed to write response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type latestView struct {
	Timestamp string           `json:"timestamp"`
	Values    map[string]int64 `json:"values"`
}

func latest(store *series.Store) *latestView {
	s, ok := store.Latest()
	if !ok {
		return nil
	}
	v := &latestView{Timestamp: s.Timestamp(), Values: make(map[string]int64, len(price.Fields))}
	for _, f := range price.Fields {
		v.Values[f.String()] = s.Get(f)
	}
	return v
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"points":      s.store.Len(),
		"subscribers": s.hub.Count(),
		"time":        time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSeriesIndex(w http.ResponseWriter, r *http.Request) {
	names := make([]string, len(price.Fields))
	for i, f := range price.Fields {
		names[i] = f.String()
	}
	times := s.store.Times()
	writeJSON(w, http.StatusOK, map[string]any{
		"series": names,
		"points": len(times),
		"times":  times,
		"latest": latest(s.store),
	})
}

func (s *Server) handleSeries(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	points, err := s.store.Series(name)
	if errors.Is(err, series.ErrUnknownSeries) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "points": points})
}

type syncResponse struct {
	Outcome    remotesync.Outcome `json:"outcome"`
	SyncID     string             `json:"sync_id"`
	Records    int                `json:"records"`
	Added      int                `json:"added"`
	Duplicates int                `json:"duplicates"`
	Failed     int                `json:"failed"`
	KeySaved   bool               `json:"key_saved"`
	Error      string             `json:"error,omitempty"`
}

var outcomeStatus = map[remotesync.Outcome]int{
	remotesync.Success:          http.StatusOK,
	remotesync.SettingsNotFound: http.StatusConflict,
	remotesync.ConnectionError:  http.StatusBadGateway,
	remotesync.CryptoError:      http.StatusUnprocessableEntity,
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if s.syncer == nil {
		writeError(w, http.StatusNotImplemented, "sync is not configured")
		return
	}

	var in remotesync.SessionInput
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&in); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if !s.syncMu.TryLock() {
		writeError(w, http.StatusConflict, "a sync is already running")
		return
	}
	defer s.syncMu.Unlock()

	res, rep, err := s.syncer.Sync(r.Context(), s.store, in)
	resp := syncResponse{
		Outcome:    res.Outcome,
		SyncID:     res.SyncID,
		Records:    res.Records,
		Added:      rep.Added,
		Duplicates: rep.Duplicates,
		Failed:     len(rep.Failed),
		KeySaved:   res.Persisted,
	}
	if res.Err != nil {
		resp.Error = res.Err.Error()
	}
	if err != nil {
		log.Error().Err(err).Str("sync_id", res.SyncID).Msg("Merge after download failed")
		resp.Error = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}

	if res.Outcome == remotesync.Success {
		s.hub.Broadcast(Event{
			Type:       EventMerge,
			SyncID:     res.SyncID,
			Added:      rep.Added,
			Duplicates: rep.Duplicates,
			Failed:     len(rep.Failed),
			Points:     s.store.Len(),
			Latest:     latest(s.store),
		})
	}
	writeJSON(w, outcomeStatus[res.Outcome], resp)
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, http.StatusNotImplemented, "settings are not configured")
		return
	}
	conn, err := s.vault.Load()
	switch {
	case errors.Is(err, settings.ErrUndecryptable):
		writeError(w, http.StatusConflict, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	case conn == nil:
		writeError(w, http.StatusNotFound, "no settings saved")
		return
	}
	writeJSON(w, http.StatusOK, conn.Redacted())
}

// handlePutSettings replaces the connection. An omitted password or session
// key keeps the stored one, so a redacted GET can be edited and sent back.
func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		writeError(w, http.StatusNotImplemented, "settings are not configured")
		return
	}
	var body settings.Connection
	if err := json.NewDecoder(io.LimitReader(r.Body, 4096)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	var saved settings.Connection
	err := s.vault.Update(func(cur *settings.Connection) (settings.Connection, error) {
		next := body
		if cur != nil {
			if next.Password == "" || next.Password == redactedMark {
				next.Password = cur.Password
			}
			if (next.SessionKey == "" && next.SessionIV == "") || next.SessionKey == redactedMark {
				next.SessionKey, next.SessionIV = cur.SessionKey, cur.SessionIV
			}
		}
		saved = next
		return next, nil
	})
	if errors.Is(err, settings.ErrUndecryptable) {
		// The stored row is unreadable, so there is nothing to merge with.
		saved = body
		err = s.vault.Save(body)
	}
	switch {
	case errors.Is(err, settings.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, saved.Redacted())
}

const redactedMark = "********"
