package http

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/robertarktes/court-slot-reservations/internal/domain"
)

// Stream pushes slot events for one topic as Server-Sent Events. Topics are
// "facility:<id>", "court:<id>:<date>" or "user:<id>"; a user topic is only
// open to that user.
func (h *Handlers) Stream(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")
	if err := h.checkTopic(topic, sessionFrom(r.Context())); err != nil {
		writeError(w, r, h.logger, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, h.logger, errors.New("streaming unsupported"))
		return
	}

	sub := h.hub.Subscribe(topic)
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "retry: 3000\n\n")
	flusher.Flush()

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	log := loggerFrom(r.Context(), h.logger).WithField("topic", topic)

	for {
		select {
		case <-r.Context().Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			data, err := domain.EncodeEvent(topic, ev)
			if err != nil {
				log.WithError(err).Error("encode stream event")
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.EventType(), data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *Handlers) checkTopic(topic string, s Session) error {
	kind, rest, ok := strings.Cut(topic, ":")
	if !ok || rest == "" {
		return errors.Wrapf(domain.ErrInvalidInput, "topic %q", topic)
	}
	switch kind {
	case "facility":
		return nil
	case "court":
		courtID, date, ok := strings.Cut(rest, ":")
		if !ok || courtID == "" {
			return errors.Wrapf(domain.ErrInvalidInput, "topic %q", topic)
		}
		_, err := domain.ParseDate(date)
		return err
	case "user":
		if s.UserID == "" || rest != s.UserID {
			return errors.Wrapf(domain.ErrNotOwner, "topic %q", topic)
		}
		return nil
	}
	return errors.Wrapf(domain.ErrInvalidInput, "topic %q", topic)
}
