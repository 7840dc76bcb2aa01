// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization and the content digests computed over it.
//
// Audit payloads are hashed over their canonical form so that semantically
// identical payloads always produce the same digest, independent of map
// iteration order or the Go types used to build them.
package canonicalize

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"

	"github.com/gowebpki/jcs"
)

// ErrSerialization is returned when a payload cannot be rendered as JSON
// (cyclic references, channels, functions, NaN or infinite floats).
var ErrSerialization = errors.New("canonicalize: payload is not serializable")

// emptyObject is the canonical form of an absent payload.
var emptyObject = []byte("{}")

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Object keys are sorted by UTF-16 code units at every nesting level,
// numbers are rendered in their shortest ECMAScript form and HTML escaping
// is disabled. A nil value, nil map or nil pointer canonicalizes to the
// empty object.
func JCS(v any) ([]byte, error) {
	if isAbsent(v) {
		return emptyObject, nil
	}

	// Marshal first so struct tags and json.Marshaler implementations are
	// respected; jcs.Transform then rewrites the document canonically.
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}

	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSerialization, err)
	}
	return canonical, nil
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v any) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func isAbsent(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Map, reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
