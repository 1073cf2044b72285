// Package claims decodes identity tokens into claim maps and derives the
// caller's role set from them.
package claims

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultRolesClaim is the Zitadel project roles claim.
const DefaultRolesClaim = "urn:zitadel:iam:org:project:roles"

// ErrMalformedToken is returned for tokens that are not three base64url
// segments with a JSON object payload. Callers treat it as a hard denial.
var ErrMalformedToken = errors.New("malformed identity token")

// Claims maps claim names to their decoded JSON values.
type Claims map[string]any

// Decode returns the payload of idToken without checking its signature.
func Decode(idToken string) (Claims, error) {
	segments := strings.Split(idToken, ".")
	if len(segments) != 3 {
		return nil, fmt.Errorf("%w: expected 3 segments, got %d", ErrMalformedToken, len(segments))
	}

	payload, err := jwt.NewParser().DecodeSegment(segments[1])
	if err != nil {
		return nil, fmt.Errorf("%w: decode payload: %v", ErrMalformedToken, err)
	}

	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var c Claims
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("%w: parse payload: %v", ErrMalformedToken, err)
	}
	if c == nil {
		return nil, fmt.Errorf("%w: payload is not an object", ErrMalformedToken)
	}
	return c, nil
}

// Roles returns the sorted keys of the object-valued claim name.
// A missing or non-object claim yields an empty set.
func (c Claims) Roles(name string) []string {
	if name == "" {
		name = DefaultRolesClaim
	}
	nested, ok := c[name].(map[string]any)
	if !ok {
		return []string{}
	}
	roles := make([]string, 0, len(nested))
	for role := range nested {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}

// Username returns preferred_username, or "Unknown" when absent.
func (c Claims) Username() string {
	if v := c.String("preferred_username"); v != "" {
		return v
	}
	return "Unknown"
}

// Subject returns the sub claim.
func (c Claims) Subject() string {
	return c.String("sub")
}

// String returns the claim value when it is a string.
func (c Claims) String(name string) string {
	v, _ := c[name].(string)
	return v
}
