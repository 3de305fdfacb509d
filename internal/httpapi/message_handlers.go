package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"anonchat.org/internal/chat"
	"anonchat.org/internal/identity"
)

const maxHistoryLimit = 200

type messagesResponse struct {
	RoomID   int64          `json:"roomId"`
	Messages []chat.Message `json:"messages"`
}

// handleMessages serves the global room backlog to an authenticated caller.
func (a *API) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	if _, ok := identity.UserFromContext(r.Context()); !ok {
		writeError(w, r, http.StatusUnauthorized, "authentication required")
		return
	}

	limit, err := parseLimit(r.URL.Query().Get("limit"), chat.DefaultHistoryLimit, maxHistoryLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	room, err := a.cfg.Store.GetOrCreateGlobalRoom(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	messages, err := a.cfg.Store.History(r.Context(), room.ID, limit)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if messages == nil {
		messages = []chat.Message{}
	}

	writeJSON(w, http.StatusOK, messagesResponse{
		RoomID:   room.ID,
		Messages: messages,
	})
}

// handleCheckName answers username availability; public so onboarding can
// probe before registration.
func (a *API) handleCheckName(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}

	username := strings.TrimSpace(r.URL.Query().Get("username"))
	if username == "" {
		writeError(w, r, http.StatusBadRequest, "username query parameter is required")
		return
	}
	if len(username) > 64 {
		writeError(w, r, http.StatusBadRequest, "username too long")
		return
	}

	available, err := a.cfg.Users.UsernameAvailable(r.Context(), username)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"username":  username,
		"available": available,
	})
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < 1 || val > max {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(max))
	}
	return val, nil
}
