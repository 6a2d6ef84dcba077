package handler

import (
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/ordersync/internal/session"
	"github.com/xenking/ordersync/pkg/httpmiddleware"
)

// keepAliveInterval is how often an idle event stream sends a comment line.
var keepAliveInterval = 25 * time.Second

func encodeStatus(e *jx.Encoder, s session.Status) {
	e.ObjStart()
	e.FieldStart("active")
	e.Bool(s.Active)
	if s.SessionID != "" {
		e.FieldStart("session_id")
		e.Str(s.SessionID)
	}
	e.FieldStart("idle_timeout_minutes")
	e.Int(int(s.IdleTimeout / time.Minute))
	// Rounded up so a fresh session shows the full timeout.
	e.FieldStart("remaining_seconds")
	e.Int64(int64((s.Remaining + time.Second - 1) / time.Second))
	e.ObjEnd()
}

// GetSession serves GET /api/session.
func (h *Handler) GetSession(w http.ResponseWriter, _ *http.Request) {
	h.sessions.Touch()
	st := h.sessions.Status()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeStatus(e, st) })
}

// OpenSession serves POST /api/session. An active session is reused.
func (h *Handler) OpenSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	h.sessions.Touch()
	if _, err := h.sessions.Acquire(ctx); err != nil {
		zctx.From(ctx).Warn("Open session failed", zap.Error(err))
		code := http.StatusBadGateway
		if errors.Is(err, session.ErrUnavailable) {
			code = http.StatusServiceUnavailable
		}
		httpmiddleware.WriteError(w, code, err.Error())
		return
	}
	st := h.sessions.Status()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeStatus(e, st) })
}

// CloseSession serves DELETE /api/session.
func (h *Handler) CloseSession(w http.ResponseWriter, r *http.Request) {
	h.sessions.Touch()
	h.sessions.Release(r.Context(), session.ReasonExplicit)
	st := h.sessions.Status()
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { encodeStatus(e, st) })
}

// SessionEvents serves GET /api/session/events as a Server-Sent Events
// stream. The current state is sent first, then every state change.
func (h *Handler) SessionEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	rc := http.NewResponseController(w)

	events, unsubscribe := h.sessions.Subscribe(h.eventBuffer)
	defer unsubscribe()

	hdr := w.Header()
	hdr.Set("Content-Type", "text/event-stream")
	hdr.Set("Cache-Control", "no-cache")
	hdr.Set("Connection", "keep-alive")
	hdr.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	// Streams outlive the server write timeout.
	_ = rc.SetWriteDeadline(time.Time{})

	st := h.sessions.Status()
	if err := writeEvent(w, rc, session.StateChange{Active: st.Active, SessionID: st.SessionID, At: time.Now()}); err != nil {
		return
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := writeEvent(w, rc, ev); err != nil {
				zctx.From(ctx).Debug("Event stream closed", zap.Error(err))
				return
			}
		case <-keepAlive.C:
			if _, err := w.Write([]byte(": keep-alive\n\n")); err != nil {
				return
			}
			if err := rc.Flush(); err != nil {
				return
			}
		}
	}
}

func writeEvent(w http.ResponseWriter, rc *http.ResponseController, ev session.StateChange) error {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	e.FieldStart("active")
	e.Bool(ev.Active)
	if ev.Reason != "" {
		e.FieldStart("reason")
		e.Str(string(ev.Reason))
	}
	if ev.SessionID != "" {
		e.FieldStart("session_id")
		e.Str(ev.SessionID)
	}
	e.FieldStart("at")
	e.Str(ev.At.UTC().Format(time.RFC3339))
	e.ObjEnd()

	buf := make([]byte, 0, len(e.Bytes())+32)
	buf = append(buf, "event: session\ndata: "...)
	buf = append(buf, e.Bytes()...)
	buf = append(buf, "\n\n"...)
	if _, err := w.Write(buf); err != nil {
		return errors.Wrap(err, "write event")
	}
	if err := rc.Flush(); err != nil {
		return errors.Wrap(err, "flush event")
	}
	return nil
}
