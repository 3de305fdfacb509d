package identity

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strings"
)

// ErrInvalidProof indicates the external identity proof failed verification.
var ErrInvalidProof = errors.New("identity: invalid proof")

// ExternalUser is the identity asserted by a verified init-data proof.
type ExternalUser struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// VerifyInitData checks a bot-issued init-data proof: a query-string payload
// whose "hash" field must equal HMAC-SHA256 over the remaining fields,
// keyed with SHA-256 of the bot token. Returns the asserted external user.
func VerifyInitData(initData, botToken string) (ExternalUser, error) {
	if strings.TrimSpace(initData) == "" || botToken == "" {
		return ExternalUser{}, ErrInvalidProof
	}

	fields := make(map[string]string)
	for _, pair := range strings.Split(initData, "&") {
		k, v, found := strings.Cut(pair, "=")
		if !found || k == "" {
			continue
		}
		decoded, err := url.QueryUnescape(v)
		if err != nil {
			decoded = v
		}
		fields[k] = decoded
	}

	providedHash := fields["hash"]
	if providedHash == "" {
		return ExternalUser{}, ErrInvalidProof
	}
	delete(fields, "hash")

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	checkString := strings.Join(parts, "\n")

	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(checkString))
	expected := mac.Sum(nil)

	provided, err := hex.DecodeString(providedHash)
	if err != nil || !hmac.Equal(expected, provided) {
		return ExternalUser{}, ErrInvalidProof
	}

	var user ExternalUser
	if raw := fields["user"]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &user); err != nil {
			return ExternalUser{}, ErrInvalidProof
		}
	}
	if user.ID == 0 {
		return ExternalUser{}, ErrInvalidProof
	}
	return user, nil
}

// SignInitData builds a valid proof for the given payload fields. Exported
// for the dev bootstrap path and tests; production proofs come from the bot.
func SignInitData(fields map[string]string, botToken string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+fields[k])
	}
	checkString := strings.Join(parts, "\n")

	secret := sha256.Sum256([]byte(botToken))
	mac := hmac.New(sha256.New, secret[:])
	mac.Write([]byte(checkString))

	var encoded []string
	for _, k := range keys {
		encoded = append(encoded, k+"="+url.QueryEscape(fields[k]))
	}
	encoded = append(encoded, "hash="+hex.EncodeToString(mac.Sum(nil)))
	return strings.Join(encoded, "&")
}
