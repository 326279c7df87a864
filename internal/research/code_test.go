package research

import (
	"bytes"
	"crypto/rand"
	"errors"
	"strings"
	"testing"
)

func TestGenerateUsesAlphabetOnly(t *testing.T) {
	f := DefaultCodeFormat()
	for i := 0; i < 500; i++ {
		code, err := f.Generate(rand.Reader)
		if err != nil {
			t.Fatalf("Generate failed: %v", err)
		}
		if !strings.HasPrefix(code, "RES-") || len(code) != len("RES-")+6 {
			t.Fatalf("unexpected shape %q", code)
		}
		for _, c := range code[4:] {
			if !strings.ContainsRune(CodeAlphabet, c) {
				t.Fatalf("code %q contains %q outside the alphabet", code, c)
			}
		}
		if !f.Valid(code) {
			t.Fatalf("generated code %q does not validate", code)
		}
	}
}

func TestGenerateRejectsBiasedBytes(t *testing.T) {
	f := DefaultCodeFormat()
	// 255 lies above the largest multiple of the alphabet size and is skipped.
	src := bytes.NewReader([]byte{0, 1, 255, 2, 31, 32, 33, 0, 0, 0, 0, 0})

	code, err := f.Generate(src)
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if code != "RES-ABCABC" {
		t.Fatalf("expected RES-ABCABC, got %q", code)
	}
}

func TestGenerateReportsShortSource(t *testing.T) {
	f := DefaultCodeFormat()
	if _, err := f.Generate(bytes.NewReader([]byte{1, 2})); err == nil {
		t.Fatal("expected error from exhausted source")
	}
}

func TestAlphabetAvoidsLookalikes(t *testing.T) {
	for _, c := range "0O1IL" {
		if strings.ContainsRune(CodeAlphabet, c) {
			t.Errorf("alphabet contains ambiguous character %q", c)
		}
	}
}

func TestNormalize(t *testing.T) {
	f := DefaultCodeFormat()
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "RES-AB23CD", want: "RES-AB23CD"},
		{in: "  res-ab23cd\n", want: "RES-AB23CD"},
		{in: "RES-AB12CD", wantErr: true},
		{in: "RES-ABC", wantErr: true},
		{in: "RESAB23CD", wantErr: true},
		{in: "XYZ-AB23CD", wantErr: true},
		{in: "", wantErr: true},
	}

	for _, tt := range tests {
		got, err := f.Normalize(tt.in)
		if tt.wantErr {
			if !errors.Is(err, ErrInvalidCode) {
				t.Errorf("Normalize(%q): expected ErrInvalidCode, got %v", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("Normalize(%q) failed: %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewCodeFormatRejectsBadShapes(t *testing.T) {
	for _, tt := range []struct {
		prefix string
		length int
	}{
		{"", 6},
		{"res", 6},
		{"R3S", 6},
		{"RES", 3},
		{"RES", 17},
	} {
		if _, err := NewCodeFormat(tt.prefix, tt.length); err == nil {
			t.Errorf("NewCodeFormat(%q, %d): expected error", tt.prefix, tt.length)
		}
	}

	f, err := NewCodeFormat("STUDY", 8)
	if err != nil {
		t.Fatalf("NewCodeFormat failed: %v", err)
	}
	if !f.Valid("STUDY-ABCDEFGH") {
		t.Error("expected custom format to accept its own codes")
	}
	if f.Valid("RES-ABCDEF") {
		t.Error("expected custom format to reject default codes")
	}
}

func TestZeroFormatRejectsEverything(t *testing.T) {
	var f CodeFormat
	if f.Valid("RES-ABCDEF") {
		t.Fatal("zero CodeFormat must not validate codes")
	}
}

func TestParseCodeDefaultFormat(t *testing.T) {
	got, err := ParseCode("res-xy45zw")
	if err != nil {
		t.Fatalf("ParseCode failed: %v", err)
	}
	if got != "RES-XY45ZW" || !ValidateCode(got) {
		t.Fatalf("unexpected canonical code %q", got)
	}
	if ValidateCode("res-xy45zw") {
		t.Fatal("ValidateCode must require canonical form")
	}
}
