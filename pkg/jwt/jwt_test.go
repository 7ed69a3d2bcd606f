package jwt

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
)

func TestGenerateAndParseUserID(t *testing.T) {
	ctx := context.Background()
	token, err := Generate(ctx, "user-1", "secret")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	got, err := ParseUserID(ctx, token, "secret")
	if err != nil {
		t.Fatalf("ParseUserID: %v", err)
	}
	if got != "user-1" {
		t.Errorf("user id = %q, want %q", got, "user-1")
	}

	if _, err := ParseUserID(ctx, token, "other"); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("wrong secret: err = %v, want ErrInvalidToken", err)
	}
}

func TestParseTokenFromHeader(t *testing.T) {
	for _, tt := range []struct {
		name   string
		header string
		url    string
		want   string
		err    error
	}{
		{name: "bearer", header: "Bearer abc", url: "/", want: "abc"},
		{name: "lowercase scheme", header: "bearer abc", url: "/", want: "abc"},
		{name: "query", url: "/?token=xyz", want: "xyz"},
		{name: "basic scheme", header: "Basic abc", url: "/", err: ErrMissingToken},
		{name: "missing", url: "/", err: ErrMissingToken},
	} {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("GET", tt.url, nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			got, err := ParseTokenFromHeader(r)
			if !errors.Is(err, tt.err) {
				t.Fatalf("err = %v, want %v", err, tt.err)
			}
			if got != tt.want {
				t.Errorf("token = %q, want %q", got, tt.want)
			}
		})
	}
}
