package claims

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"reflect"
	"testing"
)

func unsignedToken(t *testing.T, payload any) string {
	t.Helper()
	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"none"}`)) + "." + enc.EncodeToString(body) + ".sig"
}

func TestDecodeExtractsRoles(t *testing.T) {
	tok := unsignedToken(t, map[string]any{
		"sub":                "user-1",
		"preferred_username": "alice",
		DefaultRolesClaim: map[string]any{
			"User":    map[string]any{"123": "org"},
			"Manager": map[string]any{"123": "org"},
		},
	})

	c, err := Decode(tok)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got := c.Roles(""); !reflect.DeepEqual(got, []string{"Manager", "User"}) {
		t.Fatalf("roles = %v", got)
	}
	if c.Username() != "alice" || c.Subject() != "user-1" {
		t.Fatalf("unexpected identity %q/%q", c.Username(), c.Subject())
	}
}

func TestDecodeMissingRolesClaim(t *testing.T) {
	c, err := Decode(unsignedToken(t, map[string]any{"sub": "x"}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if roles := c.Roles(DefaultRolesClaim); roles == nil || len(roles) != 0 {
		t.Fatalf("expected empty role set, got %#v", roles)
	}
	if c.Username() != "Unknown" {
		t.Fatalf("username = %q", c.Username())
	}
}

func TestRolesIgnoresNonObjectClaim(t *testing.T) {
	c, err := Decode(unsignedToken(t, map[string]any{DefaultRolesClaim: []string{"Admin"}}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if roles := c.Roles(""); len(roles) != 0 {
		t.Fatalf("expected no roles from array claim, got %v", roles)
	}
}

func TestRolesCustomClaim(t *testing.T) {
	c, err := Decode(unsignedToken(t, map[string]any{"roles": map[string]any{"Admin": true}}))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if roles := c.Roles("roles"); !reflect.DeepEqual(roles, []string{"Admin"}) {
		t.Fatalf("roles = %v", roles)
	}
}

func TestDecodeMalformed(t *testing.T) {
	enc := base64.RawURLEncoding
	cases := map[string]string{
		"two segments":  "a.b",
		"four segments": "a.b.c.d",
		"bad base64":    "a.!!!.c",
		"not json":      "a." + enc.EncodeToString([]byte("hello")) + ".c",
		"json array":    "a." + enc.EncodeToString([]byte(`["x"]`)) + ".c",
		"json null":     "a." + enc.EncodeToString([]byte(`null`)) + ".c",
		"empty":         "",
	}
	for name, tok := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := Decode(tok); !errors.Is(err, ErrMalformedToken) {
				t.Fatalf("expected ErrMalformedToken, got %v", err)
			}
		})
	}
}
