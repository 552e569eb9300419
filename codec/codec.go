// Package codec encodes domain records for the bus and for storage.
//
// CBOR output uses Core Deterministic Encoding, so the same record always
// produces the same bytes. Stores rely on that when they derive keys from
// content.
package codec

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/SNL-GMS/GMS-PI21-OPEN-sub019/errors"
)

// Codec names accepted by ByName.
const (
	NameJSON = "json"
	NameCBOR = "cbor"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	encMode, err = opts.EncMode()
	if err != nil {
		panic("codec: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("codec: CBOR decoder initialization failed: " + err.Error())
	}
}

// Marshal encodes v as deterministic CBOR.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal decodes CBOR data into v.
func Unmarshal(data []byte, v any) error {
	return decMode.Unmarshal(data, v)
}

// Codec converts records of type T to and from bytes.
type Codec[T any] interface {
	Name() string
	Encode(v T) ([]byte, error)
	Decode(data []byte) (T, error)
}

// JSON encodes records with encoding/json.
type JSON[T any] struct{}

// Name returns "json".
func (JSON[T]) Name() string { return NameJSON }

// Encode marshals v.
func (JSON[T]) Encode(v T) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "JSON", "Encode", "marshal record")
	}
	return data, nil
}

// Decode unmarshals data.
func (JSON[T]) Decode(data []byte) (T, error) {
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return v, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "JSON", "Decode", "unmarshal record")
	}
	return v, nil
}

// CBOR encodes records as deterministic CBOR.
type CBOR[T any] struct{}

// Name returns "cbor".
func (CBOR[T]) Name() string { return NameCBOR }

// Encode marshals v.
func (CBOR[T]) Encode(v T) ([]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return nil, errors.WrapInvalid(err, "CBOR", "Encode", "marshal record")
	}
	return data, nil
}

// Decode unmarshals data.
func (CBOR[T]) Decode(data []byte) (T, error) {
	var v T
	if err := Unmarshal(data, &v); err != nil {
		return v, errors.WrapInvalid(fmt.Errorf("%w: %v", errors.ErrParsingFailed, err), "CBOR", "Decode", "unmarshal record")
	}
	return v, nil
}

// ByName returns the codec registered under name. An empty name selects JSON.
func ByName[T any](name string) (Codec[T], error) {
	switch strings.ToLower(name) {
	case "", NameJSON:
		return JSON[T]{}, nil
	case NameCBOR:
		return CBOR[T]{}, nil
	default:
		return nil, errors.WrapInvalid(fmt.Errorf("%w: unknown codec %q", errors.ErrInvalidConfig, name),
			"codec", "ByName", "select codec")
	}
}
