package server

import (
	"context"
	"encoding/json"
	"errors"
	"mime"
	"net/http"
	"strings"

	"github.com/ryan-winkler/voicediary/internal/entries"
	"github.com/ryan-winkler/voicediary/internal/httputil"
	"github.com/ryan-winkler/voicediary/internal/notify"
	"github.com/ryan-winkler/voicediary/internal/recorder"
)

type recordState struct {
	recorder.Snapshot
	MaxDurationMs int64 `json:"max_duration_ms"`
}

func (s *Server) state() recordState {
	return recordState{
		Snapshot:      s.deps.Recorder.Snapshot(),
		MaxDurationMs: s.deps.Recorder.MaxDuration().Milliseconds(),
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, map[string]string{
		"status":  "ok",
		"version": s.opts.Version,
		"state":   string(s.deps.Recorder.Snapshot().State),
	})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	httputil.WriteJSON(w, http.StatusOK, s.state())
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	_, err := s.deps.Recorder.Start(r.Context())
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusCreated, s.state())
	case errors.Is(err, recorder.ErrBusy):
		httputil.Error(w, r, s.logger, http.StatusConflict, "already recording",
			"WHY: Start called while a session is still recording or uploading")
	case errors.Is(err, recorder.ErrShuttingDown):
		httputil.Error(w, r, s.logger, http.StatusServiceUnavailable, "shutting down",
			"WHY: Start called after the recorder began shutting down")
	case errors.Is(err, recorder.ErrPermissionDenied):
		httputil.Error(w, r, s.logger, http.StatusForbidden, "microphone access denied",
			"WHY: the microphone request was refused")
	case errors.Is(err, recorder.ErrDeviceUnavailable):
		httputil.StatusError(w, r, s.logger, http.StatusServiceUnavailable, "microphone unavailable",
			"WHY: no input device or recorder binary", err)
	default:
		httputil.ServerError(w, r, s.logger, "could not start recording",
			"WHY: capture failed to start after the microphone was acquired", err)
	}
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	// A client that hangs up mid-stop should not cost the user the recording.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.Context()), s.opts.StopTimeout)
	defer cancel()

	err := s.deps.Recorder.Stop(ctx)
	switch {
	case err == nil:
		httputil.WriteJSON(w, http.StatusOK, s.state())
	case errors.Is(err, recorder.ErrNotRecording):
		httputil.Error(w, r, s.logger, http.StatusConflict, "not recording",
			"WHY: Stop called with no session in the recording state")
	case errors.Is(err, entries.ErrNetwork):
		httputil.StatusError(w, r, s.logger, http.StatusBadGateway, "network error",
			"WHY: the diary server could not be reached for the upload", err)
	case errors.Is(err, entries.ErrUploadFailed):
		httputil.StatusError(w, r, s.logger, http.StatusBadGateway, "upload failed",
			"WHY: the diary server rejected the recording", err)
	case errors.Is(err, context.DeadlineExceeded):
		httputil.StatusError(w, r, s.logger, http.StatusGatewayTimeout, "recording did not finalize",
			"WHY: the capture did not deliver its last chunk before the stop timeout", err)
	default:
		httputil.ServerError(w, r, s.logger, "stop failed", "WHY: unexpected stop error", err)
	}
}

func (s *Server) handleEntries(w http.ResponseWriter, r *http.Request) {
	markup, err := s.deps.Entries.Markup(r.Context())
	if err != nil {
		httputil.StatusError(w, r, s.logger, http.StatusBadGateway, "could not load entries",
			"WHY: entries list request to the diary server failed", err)
		return
	}
	cards, err := entries.Cards(markup)
	if err != nil {
		httputil.StatusError(w, r, s.logger, http.StatusBadGateway, "could not parse entries",
			"WHY: entries markup is not parseable HTML", err)
		return
	}
	query := r.URL.Query().Get("q")
	list := entries.Filter(cards, query)
	if list == nil {
		list = []entries.Card{}
	}
	httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"query":   query,
		"count":   len(list),
		"entries": list,
	})
}

func (s *Server) handleEntriesHTML(w http.ResponseWriter, r *http.Request) {
	markup, err := s.deps.Entries.Markup(r.Context())
	if err != nil {
		httputil.StatusError(w, r, s.logger, http.StatusBadGateway, "could not load entries",
			"WHY: entries list request to the diary server failed", err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(markup))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Diary.Delete(r.Context(), id); err != nil {
		s.deps.Events.Publish(notify.Notification(notify.LevelError, upstreamMessage(err, "Delete failed")))
		httputil.StatusError(w, r, s.logger, http.StatusBadGateway, "delete failed",
			"WHY: delete request to the diary server failed", err)
		return
	}
	s.deps.Events.Publish(notify.Notification(notify.LevelSuccess, "Entry deleted"))
	s.refresh(r.Context())
	httputil.WriteJSON(w, http.StatusOK, map[string]string{"deleted": id})
}

func (s *Server) handleText(w http.ResponseWriter, r *http.Request) {
	content, err := readContent(w, r)
	if err != nil {
		httputil.Error(w, r, s.logger, http.StatusBadRequest, "invalid body",
			"WHY: text entry body is neither JSON nor a form")
		return
	}
	err = s.deps.Diary.SubmitText(r.Context(), content)
	switch {
	case err == nil:
		s.deps.Events.Publish(notify.Notification(notify.LevelSuccess, "Entry saved successfully!"))
		s.refresh(r.Context())
		httputil.WriteJSON(w, http.StatusCreated, map[string]string{"status": "success"})
	case errors.Is(err, entries.ErrEmptyEntry):
		httputil.Error(w, r, s.logger, http.StatusBadRequest, "entry content is empty",
			"WHY: text entry was blank after trimming")
	default:
		s.deps.Events.Publish(notify.Notification(notify.LevelError, upstreamMessage(err, "Failed to save entry")))
		httputil.StatusError(w, r, s.logger, http.StatusBadGateway, "could not save entry",
			"WHY: text entry request to the diary server failed", err)
	}
}

// readContent accepts {"content": "..."} or a form with a content field.
func readContent(w http.ResponseWriter, r *http.Request) (string, error) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "application/json" {
		var body struct {
			Content string `json:"content"`
		}
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&body); err != nil {
			return "", err
		}
		return body.Content, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", err
	}
	return strings.TrimSpace(r.FormValue("content")), nil
}

// refresh invalidates the cached list and reloads it so subscribers get an
// entries event.
func (s *Server) refresh(ctx context.Context) {
	s.deps.Entries.Invalidate()
	if err := s.deps.Entries.Refresh(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("entries refresh failed", "error", err)
	}
}
