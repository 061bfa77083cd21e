package persistence

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"reflect"
	"strings"
)

// EncodeValue serializes arbitrary Go values using encoding/gob. Callers
// must ensure that values are gob-encodable; InvocationContext,
// FlowState.Result, and replay-history results all pass through this (§6
// "Checkpoint Codec").
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	enc := gob.NewEncoder(&buf)

	// Important: encode as interface{} so we can safely decode into interface{}.
	var iv = v
	if err := enc.Encode(&iv); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeValue tries both interface-first (legacy) and concrete decoding,
// so a blob written by an older Checkpoint Codec revision can still be
// read back by a differently-typed caller after a flow class upgrade.
func DecodeValue[T any](data []byte) (T, error) {
	var zero T
	if len(data) == 0 {
		return zero, nil
	}

	if v, ok, err := tryDecodeAsAny[T](data); err == nil && ok {
		return v, nil
	} else if err != nil && !mustRetryAsConcrete(err) {
		return zero, err
	}

	if v, err := tryDecodeAsT[T](data); err == nil {
		return v, nil
	} else if !isInterfaceType[T]() {
		return zero, err
	}

	if v, ok, err := tryDecodeCommonConcreteAsAny[T](data); err == nil && ok {
		return v, nil
	} else if err != nil {
		return zero, err
	}

	return zero, errors.New("gob: unable to decode into target type")
}

func tryDecodeAsAny[T any](data []byte) (T, bool, error) {
	var zero T
	var iv any
	buf := bytes.NewBuffer(data)
	dec := gob.NewDecoder(buf)
	if err := dec.Decode(&iv); err != nil {
		return zero, false, err
	}
	if v, ok := iv.(T); ok {
		return v, true, nil
	}
	if isInterfaceType[T]() {
		return any(iv).(T), true, nil
	}
	return zero, false, fmt.Errorf("gob: decoded interface payload of type %T not assignable to target", iv)
}

func tryDecodeAsT[T any](data []byte) (T, error) {
	var v T
	buf := bytes.NewBuffer(data)
	dec := gob.NewDecoder(buf)
	if err := dec.Decode(&v); err != nil {
		return v, err
	}
	return v, nil
}

func tryDecodeCommonConcreteAsAny[T any](data []byte) (T, bool, error) {
	var zero T
	try := func(dst any) (any, bool, error) {
		buf := bytes.NewBuffer(data)
		dec := gob.NewDecoder(buf)
		if err := dec.Decode(dst); err != nil {
			return nil, false, err
		}
		return reflect.ValueOf(dst).Elem().Interface(), true, nil
	}

	candidates := []any{
		new(string), new([]byte), new(int), new(int64), new(float64), new(bool),
		new(map[string]any), new(map[int]any), new([]any), new([]string), new([]int),
	}
	for _, c := range candidates {
		if val, ok, _ := try(c); ok {
			if isInterfaceType[T]() {
				return any(val).(T), true, nil
			}
			if v, ok := val.(T); ok {
				return v, true, nil
			}
		}
	}
	return zero, false, errors.New("no matching common concrete type for interface target")
}

func mustRetryAsConcrete(err error) bool {
	s := err.Error()
	return strings.Contains(s, "can only be decoded from remote interface") &&
		strings.Contains(s, "received concrete type")
}

func isInterfaceType[T any]() bool {
	var t T
	return reflect.TypeOf((*T)(nil)).Elem().Kind() == reflect.Interface || reflect.TypeOf(t) == nil
}
