package identity

import (
	"errors"
	"strings"
	"testing"
)

const testBotToken = "123456:test-bot-token"

func TestVerifyInitDataRoundTrip(t *testing.T) {
	proof := SignInitData(map[string]string{
		"auth_date": "1756400000",
		"user":      `{"id":777,"username":"wanderer"}`,
	}, testBotToken)

	u, err := VerifyInitData(proof, testBotToken)
	if err != nil {
		t.Fatalf("VerifyInitData: %v", err)
	}
	if u.ID != 777 || u.Username != "wanderer" {
		t.Fatalf("unexpected external user: %+v", u)
	}
}

func TestVerifyInitDataRejectsTampering(t *testing.T) {
	proof := SignInitData(map[string]string{
		"auth_date": "1756400000",
		"user":      `{"id":777,"username":"wanderer"}`,
	}, testBotToken)

	tampered := strings.Replace(proof, "777", "778", 1)
	if _, err := VerifyInitData(tampered, testBotToken); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof for tampered payload, got %v", err)
	}

	if _, err := VerifyInitData(proof, "other-token"); !errors.Is(err, ErrInvalidProof) {
		t.Fatalf("expected ErrInvalidProof for wrong key, got %v", err)
	}
}

func TestVerifyInitDataRejectsMalformed(t *testing.T) {
	cases := []string{
		"",
		"auth_date=1",
		"hash=zz",
		SignInitData(map[string]string{"auth_date": "1"}, testBotToken), // no user field
	}
	for _, raw := range cases {
		if _, err := VerifyInitData(raw, testBotToken); !errors.Is(err, ErrInvalidProof) {
			t.Fatalf("VerifyInitData(%q): expected ErrInvalidProof, got %v", raw, err)
		}
	}
}
