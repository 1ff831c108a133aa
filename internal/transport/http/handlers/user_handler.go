package handlers

import (
	"net/http"

	"github.com/vedran77/pulsesync/internal/service"
	"go.uber.org/zap"
)

type UserHandler struct {
	users *service.UserDirectory
	log   *zap.Logger
}

func NewUserHandler(users *service.UserDirectory, logger *zap.Logger) *UserHandler {
	return &UserHandler{users: users, log: logger}
}

func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.users.ListUsers(r.Context())
	if err != nil {
		writeInternal(w, h.log, "list users", err)
		return
	}
	writeJSON(w, http.StatusOK, users)
}
