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

type MessageHandler struct {
	messages *service.MessageService
	channels *service.ChannelRegistry
	log      *zap.Logger
}

func NewMessageHandler(messages *service.MessageService, channels *service.ChannelRegistry, logger *zap.Logger) *MessageHandler {
	return &MessageHandler{messages: messages, channels: channels, log: logger}
}

type SendMessageInput struct {
	Message  string `json:"message"`
	ParentID string `json:"parentId,omitempty"`
}

type EditMessageInput struct {
	Message string `json:"message"`
}

type ReactionInput struct {
	Emoji string `json:"emoji"`
}

// Send posts a message to the channel, or a thread reply when parentId is
// set.
func (h *MessageHandler) Send(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	channelID := r.PathValue("id")

	var input SendMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	if errs := validator.ValidateMessage(input.Message); errs.HasErrors() {
		writeValidationErrors(w, errs)
		return
	}

	ch, err := h.channels.GetChannel(r.Context(), channelID)
	if err != nil {
		h.writeMessageError(w, "send message", err)
		return
	}
	if !ch.VisibleTo(userID) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Channel not found")
		return
	}

	var id string
	if input.ParentID != "" {
		parent, perr := h.messages.GetMessage(r.Context(), input.ParentID)
		if perr != nil {
			h.writeMessageError(w, "send message", perr)
			return
		}
		if parent.ChannelID != channelID {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Message not found")
			return
		}
		id, err = h.messages.AddThreadMessage(r.Context(), input.ParentID, domain.ThreadMessage{
			CreatedBy: userID,
			Message:   input.Message,
		})
	} else {
		id, err = h.messages.AddMessage(r.Context(), domain.Message{
			ChannelID: channelID,
			CreatedBy: userID,
			Message:   input.Message,
			Members:   ch.Members,
		})
	}
	if err != nil {
		h.writeMessageError(w, "send message", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{"docId": id})
}

func (h *MessageHandler) Edit(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input EditMessageInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	if errs := validator.ValidateMessage(input.Message); errs.HasErrors() {
		writeValidationErrors(w, errs)
		return
	}

	if err := h.update(r, userID, domain.TextEdit{Text: input.Message}); err != nil {
		h.writeMessageError(w, "edit message", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// React toggles the caller's vote for an emoji.
func (h *MessageHandler) React(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())

	var input ReactionInput
	if err := json.NewDecoder(r.Body).Decode(&input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_JSON", "Invalid request body")
		return
	}

	if errs := validator.ValidateEmoji(input.Emoji); errs.HasErrors() {
		writeValidationErrors(w, errs)
		return
	}

	if err := h.update(r, userID, domain.ReactionToggle{Emoji: input.Emoji, UserID: userID}); err != nil {
		h.writeMessageError(w, "toggle reaction", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) update(r *http.Request, userID string, patch domain.MessagePatch) error {
	messageID := r.PathValue("id")
	if parentID := r.URL.Query().Get("parent_id"); parentID != "" {
		return h.messages.UpdateThreadMessage(r.Context(), parentID, messageID, userID, patch)
	}
	return h.messages.UpdateMessage(r.Context(), messageID, userID, patch)
}

func (h *MessageHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID := middleware.GetUserID(r.Context())
	parentID := r.URL.Query().Get("parent_id")

	if err := h.messages.DeleteMessage(r.Context(), r.PathValue("id"), userID, parentID != "", parentID); err != nil {
		h.writeMessageError(w, "delete message", err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *MessageHandler) writeMessageError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, service.ErrChannelNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Channel not found")
	case errors.Is(err, service.ErrMessageNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Message not found")
	case errors.Is(err, service.ErrNotMessageOwner):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "You can only change your own messages")
	case errors.Is(err, service.ErrForeignReaction):
		writeError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, service.ErrInvalidMessage), errors.Is(err, service.ErrUnsupportedPatch):
		writeError(w, http.StatusBadRequest, "INVALID_MESSAGE", err.Error())
	default:
		writeInternal(w, h.log, op, err)
	}
}
