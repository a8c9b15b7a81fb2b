// Package httptransport exposes the command gateway over HTTP and provides
// the matching client.
package httptransport

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	syncErrors "github.com/c0deZ3R0/go-state-sync/errors"
	"github.com/c0deZ3R0/go-state-sync/gateway"
	"github.com/c0deZ3R0/go-state-sync/logging"
)

const (
	// WindowIDHeader carries the caller's source id.
	WindowIDHeader = "X-Window-Id"

	// InvokePath is the route prefix for commands.
	InvokePath = "/invoke"
)

// Handler serves gateway commands.
type Handler struct {
	gw      *gateway.Gateway
	options *ServerOptions
	logger  *logging.Logger
}

// NewHandler returns a handler for gw.
func NewHandler(gw *gateway.Gateway, logger *logging.Logger, opts ...ServerOption) *Handler {
	return &Handler{
		gw:      gw,
		options: applyServerOptions(opts...),
		logger:  logging.OrDefault(logger).WithComponent("http-transport"),
	}
}

// Register mounts the command routes on r.
func (h *Handler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Post(InvokePath+"/{command}", h.invoke)
		r.Get("/commands", h.commands)
		r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	})
}

// Router returns a standalone router with the command routes mounted.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	h.Register(r)
	return r
}

// POST /invoke/{command}
//
// A known command always answers 200: domain failures travel in the body
// as an error result. Unknown commands answer 404 with an error result.
func (h *Handler) invoke(w http.ResponseWriter, r *http.Request) {
	command := chi.URLParam(r, "command")
	if !h.gw.Has(command) {
		err := syncErrors.E(syncErrors.OpInvoke, syncErrors.Component("http-transport"), syncErrors.KindNotFound,
			"unknown command "+command)
		respondWithError(w, r, http.StatusNotFound, err, h.options)
		return
	}

	body, closeBody, err := safeRequestBody(w, r, h.options)
	defer closeBody()
	if err != nil {
		respondWithError(w, r, statusForBodyError(err), syncErrors.E(syncErrors.OpDecode, syncErrors.KindInvalid, err), h.options)
		return
	}
	args, err := io.ReadAll(body)
	if err != nil {
		respondWithError(w, r, statusForBodyError(err), syncErrors.E(syncErrors.OpDecode, syncErrors.KindInvalid, err), h.options)
		return
	}

	ctx := r.Context()
	if h.options.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.options.RequestTimeout)
		defer cancel()
	}

	caller := strings.TrimSpace(r.Header.Get(WindowIDHeader))
	result := h.gw.Respond(ctx, caller, command, json.RawMessage(args))

	h.logger.Debug("command served",
		slog.String("command", command),
		slog.String("caller", caller),
		slog.String("request_id", middleware.GetReqID(ctx)),
	)
	respondWithJSON(w, r, http.StatusOK, result, h.options)
}

// GET /commands
func (h *Handler) commands(w http.ResponseWriter, r *http.Request) {
	body, err := json.Marshal(h.gw.Commands())
	if err != nil {
		respondWithError(w, r, http.StatusInternalServerError, err, h.options)
		return
	}
	respondWithJSON(w, r, http.StatusOK, body, h.options)
}
