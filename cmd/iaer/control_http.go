package main

import (
	"encoding/json"
	goerrors "errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/constitutional-mesh/iaer/internal/audit"
	"github.com/constitutional-mesh/iaer/internal/control"
	"github.com/constitutional-mesh/iaer/internal/escalation"
	"github.com/constitutional-mesh/iaer/internal/ierrors"
	"github.com/constitutional-mesh/iaer/pkg/types"
)

// controlRouter exposes the control surface over a small JSON API. The
// engine itself is host-agnostic; this router is this binary's host glue,
// and an embedding process is free to drive control.Surface directly
// instead.
func controlRouter(surface *control.Surface, log *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/alerts", func(w http.ResponseWriter, req *http.Request) {
			var in types.IngressAlertEvent
			if err := json.NewDecoder(req.Body).Decode(&in); err != nil {
				httpError(w, ierrors.NewProtocolViolation("malformed JSON body: "+err.Error()))
				return
			}
			if err := surface.SubmitAlert(req.Context(), in); err != nil {
				httpError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})

		r.Post("/alerts/{alertID}/ack", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				By string `json:"by"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			if err := surface.AcknowledgeAlert(req.Context(), chi.URLParam(req, "alertID"), body.By); err != nil {
				httpError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})

		r.Post("/alerts/{alertID}/resolve", func(w http.ResponseWriter, req *http.Request) {
			var body struct {
				Reason string `json:"reason"`
			}
			_ = json.NewDecoder(req.Body).Decode(&body)
			if err := surface.ResolveAlert(req.Context(), chi.URLParam(req, "alertID"), body.Reason); err != nil {
				httpError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})

		r.Get("/alerts/active", func(w http.ResponseWriter, req *http.Request) {
			alerts, err := surface.ListActiveAlerts(req.Context())
			if err != nil {
				httpError(w, err)
				return
			}
			writeJSON(w, log, alerts)
		})

		r.Get("/alerts/{alertID}/history", func(w http.ResponseWriter, req *http.Request) {
			window, err := parseWindow(req)
			if err != nil {
				httpError(w, err)
				return
			}
			entries, err := surface.AlertHistory(req.Context(), chi.URLParam(req, "alertID"), window)
			if err != nil {
				httpError(w, err)
				return
			}
			writeJSON(w, log, entries)
		})

		r.Get("/remediations/history", func(w http.ResponseWriter, req *http.Request) {
			window, err := parseWindow(req)
			if err != nil {
				httpError(w, err)
				return
			}
			if window == nil {
				window = &audit.Window{}
			}
			entries, err := surface.RemediationHistory(req.Context(), *window)
			if err != nil {
				httpError(w, err)
				return
			}
			writeJSON(w, log, entries)
		})

		r.Post("/remediations/{execID}/approve", func(w http.ResponseWriter, req *http.Request) {
			if err := surface.ApproveRemediation(req.Context(), chi.URLParam(req, "execID")); err != nil {
				httpError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})

		r.Post("/remediations/{execID}/deny", func(w http.ResponseWriter, req *http.Request) {
			if err := surface.DenyRemediation(req.Context(), chi.URLParam(req, "execID")); err != nil {
				httpError(w, err)
				return
			}
			w.WriteHeader(http.StatusAccepted)
		})

		r.Put("/windows/{windowID}", func(w http.ResponseWriter, req *http.Request) {
			var win types.MaintenanceWindow
			if err := json.NewDecoder(req.Body).Decode(&win); err != nil {
				httpError(w, ierrors.NewProtocolViolation("malformed JSON body: "+err.Error()))
				return
			}
			win.WindowID = chi.URLParam(req, "windowID")
			if err := surface.UpdateMaintenanceWindow(req.Context(), win); err != nil {
				httpError(w, err)
				return
			}
			w.WriteHeader(http.StatusNoContent)
		})
	})

	return r
}

func parseWindow(req *http.Request) (*audit.Window, error) {
	fromStr := req.URL.Query().Get("from")
	toStr := req.URL.Query().Get("to")
	if fromStr == "" && toStr == "" {
		return nil, nil
	}
	var w audit.Window
	var err error
	if fromStr != "" {
		if w.From, err = time.Parse(time.RFC3339, fromStr); err != nil {
			return nil, ierrors.NewProtocolViolation("invalid 'from' timestamp: " + err.Error())
		}
	}
	if toStr != "" {
		if w.To, err = time.Parse(time.RFC3339, toStr); err != nil {
			return nil, ierrors.NewProtocolViolation("invalid 'to' timestamp: " + err.Error())
		}
	}
	return &w, nil
}

func httpError(w http.ResponseWriter, err error) {
	var pv *ierrors.ProtocolViolation
	status := http.StatusInternalServerError
	switch {
	case goerrors.As(err, &pv):
		status = http.StatusBadRequest
	case goerrors.Is(err, ierrors.ErrNotFound):
		status = http.StatusNotFound
	case goerrors.Is(err, escalation.ErrQueueFull):
		// Backpressure is an explicit signal, never a silent drop.
		status = http.StatusTooManyRequests
	case ierrors.IsTransient(err):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, log *zap.Logger, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn("control: response encode failed", zap.Error(err))
	}
}
