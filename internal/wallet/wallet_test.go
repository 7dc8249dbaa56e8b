package wallet

import (
	stdErrors "errors"
	"strings"
	"testing"

	xerrors "AgentFleet/internal/errors"
)

const checksummed = "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"

func TestNormalizeAcceptsLowercase(t *testing.T) {
	got, err := Normalize(strings.ToLower(checksummed))
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got != checksummed {
		t.Fatalf("expected checksummed address, got %s", got)
	}
}

func TestNormalizeRejectsBadChecksum(t *testing.T) {
	bad := "0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed"
	if _, err := Normalize(bad); !stdErrors.Is(err, xerrors.New(CodeInvalidWallet, "")) {
		t.Fatalf("expected checksum error, got %v", err)
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	for _, raw := range []string{"", "not-an-address", "0x1234", "0x0000000000000000000000000000000000000000"} {
		if Valid(raw) {
			t.Fatalf("%q should be invalid", raw)
		}
	}
	_, err := Normalize("0x1234")
	if xerrors.ClassOf(err) != xerrors.ClassValidation {
		t.Fatalf("invalid wallet must be a validation error")
	}
}
