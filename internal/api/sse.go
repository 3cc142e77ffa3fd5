package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/imamik/tenantplane/internal/apperr"
	"github.com/imamik/tenantplane/internal/events"
)

// streamStart returns the first sequence the client wants. Last-Event-ID
// takes precedence over the from query parameter.
func streamStart(r *http.Request) (int64, error) {
	if last := r.Header.Get("Last-Event-ID"); last != "" {
		n, err := strconv.ParseInt(last, 10, 64)
		if err != nil || n < 0 {
			return 0, apperr.Validationf("events", "invalid Last-Event-ID %q", last)
		}
		return n + 1, nil
	}
	if from := r.URL.Query().Get("from"); from != "" {
		n, err := strconv.ParseInt(from, 10, 64)
		if err != nil || n < 1 {
			return 0, apperr.Validationf("events", "from must be a positive integer, got %q", from)
		}
		return n, nil
	}
	return 1, nil
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	t, err := h.authorized(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	from, err := streamStart(r)
	if err != nil {
		writeError(w, r, err)
		return
	}

	sub, err := h.cfg.Events.Subscribe(r.Context(), t.ID, from)
	if err != nil {
		writeError(w, r, err)
		return
	}
	defer sub.Close()

	rc := http.NewResponseController(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		h.log.V(1).Info("streaming unsupported", "error", err.Error())
		return
	}

	heartbeat := time.NewTicker(h.cfg.Heartbeat)
	defer heartbeat.Stop()

	log := h.log.WithValues("tenant", t.ID, "from", from)
	log.V(1).Info("event stream opened")
	for {
		select {
		case <-r.Context().Done():
			log.V(1).Info("event stream closed by client")
			return
		case <-h.closing:
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-sub.Events():
			if !ok {
				if err := sub.Err(); err != nil {
					writeStreamError(w, err)
					_ = rc.Flush()
					log.Info("event stream ended", "reason", err.Error())
				}
				return
			}
			if err := writeEvent(w, ev); err != nil {
				log.V(1).Info("event stream write failed", "error", err.Error())
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, ev events.Event) error {
	data, err := json.Marshal(ev.Flat())
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Sequence, ev.Type, data)
	return err
}

func writeStreamError(w http.ResponseWriter, cause error) {
	reason := "stream_error"
	if errors.Is(cause, events.ErrSlowSubscriber) {
		reason = "slow_subscriber"
	}
	data, _ := json.Marshal(map[string]string{"reason": reason, "message": cause.Error()})
	_, _ = fmt.Fprintf(w, "event: error\ndata: %s\n\n", data)
}
