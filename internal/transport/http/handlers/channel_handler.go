package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/vedran77/pulsesync/internal/domain"
	"github.com/vedran77/pulsesync/internal/service"
	"github.com/vedran77/pulsesync/internal/transport/http/middleware"
	"github.com/vedran77/pulsesync/pkg/validator"
	"go.uber.org/zap"
)

type ChannelHandler struct {
	channels *service.ChannelRegistry
	users    *service.UserDirectory
	log      *zap.Logger
}

func NewChannelHandler(channels *service.ChannelRegistry, users *service.UserDirectory, logger *zap.Logger) *ChannelHandler {
	return &ChannelHandler{channels: channels, users: users, log: logger}
}

func (h *ChannelHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input service.CreateChannelInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	input.CreatedBy = userID
	input.Members = append(input.Members, userID)

	if errs := validator.ValidateChannel(input.Name, input.IsPrivate, input.Members); errs.HasErrors() {
		writeValidationErrors(w, errs)
		return
	}

	ch, err := h.channels.CreateChannel(r.Context(), input)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidChannel):
			writeError(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error())
		default:
			writeInternal(w, h.log, "create channel", err)
		}
		return
	}

	writeJSON(w, http.StatusCreated, ch)
}

func (h *ChannelHandler) List(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	channels, err := h.channels.ListChannels(r.Context())
	if err != nil {
		writeInternal(w, h.log, "list channels", err)
		return
	}

	visible := []domain.Channel{}
	for _, ch := range channels {
		if ch.VisibleTo(userID) {
			visible = append(visible, ch)
		}
	}

	writeJSON(w, http.StatusOK, visible)
}

func (h *ChannelHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	channelID := r.PathValue("id")

	var patch domain.ChannelPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	if _, ok := h.visibleChannel(w, r, userID, channelID); !ok {
		return
	}

	if err := h.channels.UpdateChannel(r.Context(), channelID, patch); err != nil {
		switch {
		case errors.Is(err, service.ErrChannelNotFound):
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Channel not found")
		case errors.Is(err, service.ErrInvalidChannel):
			writeError(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error())
		default:
			writeInternal(w, h.log, "update channel", err)
		}
		return
	}

	ch, err := h.channels.GetChannel(r.Context(), channelID)
	if err != nil {
		writeInternal(w, h.log, "update channel", err)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// OpenPrivate returns the private channel between the caller and the given
// members, creating it on first contact.
func (h *ChannelHandler) OpenPrivate(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var body struct {
		Members []string `json:"members"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	ch, err := h.channels.OpenPrivateChannel(r.Context(), userID, body.Members)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidChannel):
			writeError(w, http.StatusBadRequest, "INVALID_CHANNEL", err.Error())
		default:
			writeInternal(w, h.log, "open private channel", err)
		}
		return
	}

	writeJSON(w, http.StatusOK, ch)
}

// Creator returns the profile of the user who created the channel.
func (h *ChannelHandler) Creator(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	ch, ok := h.visibleChannel(w, r, userID, r.PathValue("id"))
	if !ok {
		return
	}

	users, err := h.users.ResolveNames(r.Context(), []string{ch.CreatedBy})
	if err != nil {
		writeInternal(w, h.log, "channel creator", err)
		return
	}

	writeJSON(w, http.StatusOK, users[0])
}

// visibleChannel writes a 404 for missing channels and for private channels
// the user is not part of.
func (h *ChannelHandler) visibleChannel(w http.ResponseWriter, r *http.Request, userID, channelID string) (*domain.Channel, bool) {
	ch, err := h.channels.GetChannel(r.Context(), channelID)
	if err != nil {
		if errors.Is(err, service.ErrChannelNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Channel not found")
		} else {
			writeInternal(w, h.log, "get channel", err)
		}
		return nil, false
	}
	if !ch.VisibleTo(userID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Channel not found")
		return nil, false
	}
	return ch, true
}
