package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"anonchat.org/internal/audit"
	"anonchat.org/internal/identity"
	"anonchat.org/internal/obs"
	"anonchat.org/internal/token"
)

// devExternalID is the external identity handed out by /v1/auth/dev when the
// request names none. Keep it clear of any real external id range.
const devExternalID int64 = 999999

type authRequest struct {
	InitData string `json:"initData"`
}

type devAuthRequest struct {
	ExternalID int64  `json:"externalId"`
	Username   string `json:"username"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type userInfo struct {
	ID       int64           `json:"id"`
	AnonName string          `json:"anonName"`
	Status   identity.Status `json:"status"`
}

type tokenPairResponse struct {
	Token           string    `json:"token"`
	RefreshToken    string    `json:"refreshToken"`
	AccessExpiresAt time.Time `json:"accessExpiresAt"`
	User            userInfo  `json:"user"`
}

// handleAuth exchanges a verified init-data proof for a token pair,
// registering the external identity on first contact.
func (a *API) handleAuth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req authRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.InitData) == "" {
		writeError(w, r, http.StatusBadRequest, "initData is required")
		return
	}

	ext, err := identity.VerifyInitData(req.InitData, a.cfg.BotToken)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid init data")
		return
	}

	u, err := a.getOrCreateByExternalID(r, ext.ID, ext.Username, identity.StatusPending)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.login", map[string]any{
		"user_id":     u.ID,
		"external_id": ext.ID,
	})
	a.issuePair(w, r, u)
}

// handleAuthDev mints a token pair without a proof. Only available when the
// service runs in dev mode; everywhere else it is a hard 403.
func (a *API) handleAuthDev(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	if !a.cfg.DevMode {
		writeError(w, r, http.StatusForbidden, "dev auth is disabled")
		return
	}

	req := devAuthRequest{ExternalID: devExternalID}
	if r.ContentLength != 0 {
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if req.ExternalID <= 0 {
			req.ExternalID = devExternalID
		}
	}

	u, err := a.getOrCreateByExternalID(r, req.ExternalID, req.Username, identity.StatusApproved)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.dev_login", map[string]any{
		"user_id":     u.ID,
		"external_id": req.ExternalID,
	})
	a.issuePair(w, r, u)
}

// handleAuthRefresh exchanges a refresh token for a fresh pair. Unlike
// realtime admission, refresh is strict about drift: a missing user or a
// status that changed since issuance invalidates the credential.
func (a *API) handleAuthRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	claims, err := a.cfg.Tokens.VerifyRefresh(req.RefreshToken)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, "invalid refresh token")
		return
	}

	u, err := a.cfg.Users.FindByID(r.Context(), claims.UserID)
	if err != nil {
		if errors.Is(err, identity.ErrNotFound) {
			writeError(w, r, http.StatusUnauthorized, "user no longer exists")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if u.Status != claims.Status {
		writeError(w, r, http.StatusUnauthorized, "account status changed")
		return
	}

	_ = audit.LogEvent(r.Context(), "auth.token.refreshed", map[string]any{
		"user_id": u.ID,
	})
	a.issuePair(w, r, u)
}

func (a *API) getOrCreateByExternalID(r *http.Request, externalID int64, username string, status identity.Status) (*identity.User, error) {
	ctx := r.Context()
	u, err := a.cfg.Users.FindByExternalID(ctx, externalID)
	if err == nil {
		return u, nil
	}
	if !errors.Is(err, identity.ErrNotFound) {
		return nil, err
	}

	nu := identity.NewUser{ExternalID: &externalID, Status: status}
	if name := strings.TrimSpace(username); name != "" {
		nu.Username = &name
	}
	u, err = a.cfg.Users.Create(ctx, nu)
	if errors.Is(err, identity.ErrAlreadyExists) {
		// Lost the registration race; the winner's row serves.
		return a.cfg.Users.FindByExternalID(ctx, externalID)
	}
	return u, err
}

func (a *API) issuePair(w http.ResponseWriter, r *http.Request, u *identity.User) {
	access, accessExp, err := a.cfg.Tokens.IssueAccess(u)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	refresh, _, err := a.cfg.Tokens.IssueRefresh(u)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}
	obs.CountTokenIssued(token.TypeAccess)
	obs.CountTokenIssued(token.TypeRefresh)

	writeJSON(w, http.StatusOK, tokenPairResponse{
		Token:           access,
		RefreshToken:    refresh,
		AccessExpiresAt: accessExp,
		User: userInfo{
			ID:       u.ID,
			AnonName: u.AnonName,
			Status:   u.Status,
		},
	})
}
