package backend

import (
	"errors"
	"testing"
	"time"
)

func TestParseTimestamp(t *testing.T) {
	cases := []string{
		"2024-05-01T10:20:30.123456",
		"2024-05-01T10:20:30",
		"2024-05-01 10:20:30.5",
		"2024-05-01T10:20:30.123456Z",
		"2024-05-01T10:20:30+02:00",
	}
	for _, in := range cases {
		ts, err := ParseTimestamp(in)
		if err != nil {
			t.Errorf("ParseTimestamp(%q) error = %v", in, err)
			continue
		}
		if ts.Year() != 2024 || ts.Month() != time.May {
			t.Errorf("ParseTimestamp(%q) = %v", in, ts)
		}
	}

	naive, _ := ParseTimestamp("2024-05-01T10:20:30")
	if naive.Location() != time.Local {
		t.Errorf("naive location = %v, want Local", naive.Location())
	}

	if _, err := ParseTimestamp("yesterday"); err == nil {
		t.Error("ParseTimestamp(yesterday) should fail")
	}
}

func TestMessageToDomainRejectsBadFields(t *testing.T) {
	content := "hola"
	good := MessageJSON{ID: "m1", Type: "user", Content: &content, Timestamp: "2024-05-01T10:20:30"}
	if _, err := good.toDomain("op", "s1"); err != nil {
		t.Fatalf("good message: %v", err)
	}

	noContent := good
	noContent.Content = nil
	if _, err := noContent.toDomain("op", "s1"); !errors.Is(err, ErrContract) {
		t.Errorf("missing content err = %v, want ErrContract", err)
	}

	badRole := good
	badRole.Type = "system"
	if _, err := badRole.toDomain("op", "s1"); !errors.Is(err, ErrContract) {
		t.Errorf("bad role err = %v, want ErrContract", err)
	}

	badTime := good
	badTime.Timestamp = "nope"
	if _, err := badTime.toDomain("op", "s1"); !errors.Is(err, ErrContract) {
		t.Errorf("bad timestamp err = %v, want ErrContract", err)
	}
}

func TestErrorDetail(t *testing.T) {
	if got := errorDetail([]byte(`{"detail":"Sesión no encontrada"}`)); got != "Sesión no encontrada" {
		t.Errorf("string detail = %q", got)
	}
	got := errorDetail([]byte(`{"detail":[{"loc":["body","query"],"msg":"too short"},{"msg":"bad"}]}`))
	if got != "too short; bad" {
		t.Errorf("list detail = %q, want %q", got, "too short; bad")
	}
	if got := errorDetail([]byte("Internal Server Error")); got != "Internal Server Error" {
		t.Errorf("plain detail = %q", got)
	}
}
