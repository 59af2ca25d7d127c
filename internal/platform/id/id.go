// Package id generates opaque identifiers for identity records.
package id

import (
	"encoding/base32"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Prefixes name the kind of record an identifier belongs to.
const (
	PrefixUser  = "usr_"
	PrefixToken = "tok_"
)

// bodyLen is the encoded length of a UUID without padding.
const bodyLen = 26

var encoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// New returns prefix followed by a random UUIDv4 in lowercase base32.
func New(prefix string) (string, error) {
	value, err := uuid.NewRandom()
	if err != nil {
		return "", fmt.Errorf("generate %sid: %w", prefix, err)
	}
	return prefix + strings.ToLower(encoding.EncodeToString(value[:])), nil
}

// Generator binds prefix for callers that take an ID function.
func Generator(prefix string) func() (string, error) {
	return func() (string, error) {
		return New(prefix)
	}
}

// HasPrefix reports whether value was produced by New(prefix).
func HasPrefix(value, prefix string) bool {
	body, ok := strings.CutPrefix(value, prefix)
	if !ok || len(body) != bodyLen {
		return false
	}
	_, err := encoding.DecodeString(strings.ToUpper(body))
	return err == nil
}
