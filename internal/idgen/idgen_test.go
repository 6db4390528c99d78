package idgen

import (
	"strings"
	"testing"
)

func TestNew_IsUUID(t *testing.T) {
	id := New()
	if !Valid(id) {
		t.Fatalf("New() = %q is not a UUID", id)
	}
	if New() == id {
		t.Fatal("expected distinct ids")
	}
}

func TestValid(t *testing.T) {
	if Valid("not-a-uuid") {
		t.Error("expected invalid")
	}
	if Valid("") {
		t.Error("expected empty string invalid")
	}
}

func TestWithPrefix(t *testing.T) {
	id := WithPrefix("msg_")
	if !strings.HasPrefix(id, "msg_") {
		t.Fatalf("missing prefix: %q", id)
	}
	if len(id) != len("msg_")+24 {
		t.Fatalf("unexpected length %d", len(id))
	}
}

func TestDigits(t *testing.T) {
	code := Digits(6)
	if len(code) != 6 {
		t.Fatalf("expected 6 digits, got %q", code)
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			t.Fatalf("non-digit in %q", code)
		}
	}
}
