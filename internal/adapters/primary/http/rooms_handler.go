package http

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lorrc/marketplace-realtime/internal/core/domain"
)

// RoomStats is the read side of the room registry.
type RoomStats interface {
	Rooms() []domain.Room
	RoomSize(room domain.Room) int
}

// RoomResponse describes one room.
type RoomResponse struct {
	Room    string `json:"room"`
	Members int    `json:"members"`
}

// RoomsHandler exposes room membership for diagnostics.
type RoomsHandler struct {
	stats        RoomStats
	errorHandler *ErrorHandler
}

// NewRoomsHandler creates a new RoomsHandler.
func NewRoomsHandler(stats RoomStats, errorHandler *ErrorHandler) *RoomsHandler {
	return &RoomsHandler{stats: stats, errorHandler: errorHandler}
}

// RegisterRoutes registers the room routes.
func (h *RoomsHandler) RegisterRoutes(r chi.Router) {
	r.Get("/", h.HandleList)
	r.Get("/{room}", h.HandleGet)
}

// HandleList handles GET /rooms.
func (h *RoomsHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	rooms := h.stats.Rooms()
	response := make([]RoomResponse, 0, len(rooms))
	for _, room := range rooms {
		response = append(response, RoomResponse{Room: room.String(), Members: h.stats.RoomSize(room)})
	}
	WriteList(w, response)
}

// HandleGet handles GET /rooms/{room}. Rooms exist implicitly, so an unknown
// but well-formed room reports zero members.
func (h *RoomsHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	room, err := domain.ParseRoom(chi.URLParam(r, "room"))
	if HandleError(w, r, err, h.errorHandler) {
		return
	}

	WriteSuccess(w, RoomResponse{Room: room.String(), Members: h.stats.RoomSize(room)})
}
