package http

import (
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
	apperrors "github.com/lorrc/marketplace-realtime/internal/core/errors"
	"github.com/lorrc/marketplace-realtime/internal/core/ports"
)

// DefaultMaxNotifyBody bounds notification payloads.
const DefaultMaxNotifyBody int64 = 64 * 1024

// NotifyHandler lets server actions report a committed mutation over HTTP
// instead of a socket.
type NotifyHandler struct {
	relay        ports.EventRelay
	errorHandler *ErrorHandler
	maxBody      int64
	logger       *slog.Logger
}

// NewNotifyHandler creates a new NotifyHandler.
func NewNotifyHandler(relay ports.EventRelay, errorHandler *ErrorHandler, maxBody int64, logger *slog.Logger) *NotifyHandler {
	if maxBody <= 0 {
		maxBody = DefaultMaxNotifyBody
	}
	return &NotifyHandler{
		relay:        relay,
		errorHandler: errorHandler,
		maxBody:      maxBody,
		logger:       logger.With("handler", "notify"),
	}
}

// RegisterRoutes registers the notify routes.
func (h *NotifyHandler) RegisterRoutes(r chi.Router) {
	r.Post("/{event}", h.HandleNotify)
}

// HandleNotify handles POST /notify/{event}. The body is the same payload a
// socket would send for the event.
func (h *NotifyHandler) HandleNotify(w http.ResponseWriter, r *http.Request) {
	event := domain.EventName(chi.URLParam(r, "event"))
	if !event.IsMutation() {
		h.errorHandler.Handle(w, r, apperrors.NewNotFoundError(apperrors.ErrUnknownEvent, "Unknown event"))
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.errorHandler.Handle(w, r, apperrors.ErrFrameTooLarge)
			return
		}
		h.errorHandler.Handle(w, r, apperrors.NewBadRequestError(err, "Could not read request body"))
		return
	}

	if HandleError(w, r, h.relay.Notify(r.Context(), event, body), h.errorHandler) {
		return
	}

	WriteAccepted(w, "event relayed")
}
