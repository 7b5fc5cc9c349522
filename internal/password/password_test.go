package password

import (
	"errors"
	"strings"
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func TestHashAndVerify(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	hash, err := h.Hash("Mrs. Smith")
	if err != nil {
		t.Fatalf("Hash returned error: %v", err)
	}
	if hash == "Mrs. Smith" {
		t.Fatal("hash must not equal the plain text")
	}
	if !h.Verify(hash, "Mrs. Smith") {
		t.Fatal("expected verification to succeed")
	}
	if h.Verify(hash, "mrs. smith") {
		t.Fatal("verification must be case-sensitive")
	}
	if h.Verify("", "Mrs. Smith") {
		t.Fatal("empty hash must never verify")
	}
}

func TestHashRejectsOverlongInput(t *testing.T) {
	h := NewHasher(bcrypt.MinCost)

	if _, err := h.Hash(strings.Repeat("a", MaxLength)); err != nil {
		t.Fatalf("72 bytes should hash: %v", err)
	}
	if _, err := h.Hash(strings.Repeat("a", MaxLength+1)); !errors.Is(err, ErrTooLong) {
		t.Fatalf("err = %v, want ErrTooLong", err)
	}
	// 多バイト文字はバイト数で数える
	if !TooLong(strings.Repeat("é", 37)) {
		t.Fatal("74 bytes of two-byte runes must be too long")
	}
}

func TestNewHasherClampsCost(t *testing.T) {
	if got := NewHasher(99).Cost; got != bcrypt.DefaultCost {
		t.Fatalf("cost = %d, want default", got)
	}
}

func TestCheckStrength(t *testing.T) {
	cases := []struct {
		name    string
		input   string
		wantErr string
	}{
		{name: "empty", input: "", wantErr: "required"},
		{name: "short", input: "Ab1!", wantErr: "at least 8"},
		{name: "no upper or special", input: "abcdefgh1", wantErr: "uppercase letter, at least one special"},
		{name: "low entropy", input: "Aa1!Aa1!", wantErr: "too easy"},
		{name: "strong", input: "Tr0pical!Sunset-Bar"},
		{name: "72 bytes", input: strings.Repeat("Ab1!", 18)},
		{name: "73 bytes", input: strings.Repeat("Ab1!", 18) + "x", wantErr: "must not exceed 72 bytes"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := CheckStrength(tc.input)
			if tc.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tc.wantErr) {
				t.Fatalf("error = %v, want containing %q", err, tc.wantErr)
			}
		})
	}
}
