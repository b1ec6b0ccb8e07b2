// Copyright 2017 Vector Creations Ltd
// Copyright 2018 New Vector Ltd
// Copyright 2019-2020 The Matrix.org Foundation C.I.C.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package eventcore implements the room-version-agnostic plumbing that the
// rest of palpo builds on: canonical JSON, Ed25519 signing/verification,
// reference and content hashing, and the PDU/EventBuilder types. It has no
// knowledge of auth rules or state resolution; those live in eventauth and
// roomserver/state respectively.
package eventcore

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
)

// RawJSON is a byte slice that marshals/unmarshals as a literal JSON value
// without re-encoding, preserving whatever canonicalisation (or lack of it)
// the bytes already carry.
type RawJSON []byte

// MarshalJSON implements json.Marshaler.
func (r RawJSON) MarshalJSON() ([]byte, error) {
	if len(r) == 0 {
		return []byte("null"), nil
	}
	return r, nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (r *RawJSON) UnmarshalJSON(data []byte) error {
	*r = append((*r)[:0], data...)
	return nil
}

// ErrBadJSON is returned when input cannot be parsed as canonical-JSON-safe
// data: floats, numbers outside [-2^53, 2^53], or malformed JSON.
type ErrBadJSON struct {
	Reason string
}

func (e ErrBadJSON) Error() string { return "eventcore: bad JSON: " + e.Reason }

const (
	maxSafeInteger = 1 << 53
	minSafeInteger = -(1 << 53)
)

// CanonicalJSON re-encodes a JSON object so that its object keys are sorted
// lexicographically by UTF-8 byte value, with no insignificant whitespace,
// and verifies that every number in the document is an integer within
// [-2^53, 2^53] as the Matrix canonical JSON rules require.
//
// The round-trip property (spec.md Testable Properties) holds because
// json.Unmarshal into map[string]interface{} + our own recursive encoder
// never reorders array elements and always emits the same key order for a
// given map (we sort it ourselves rather than relying on encoding/json's
// default, which already sorts map keys, but we still need integer
// validation that the standard library does not perform).
func CanonicalJSON(input []byte) ([]byte, error) {
	var value interface{}
	dec := json.NewDecoder(bytes.NewReader(input))
	dec.UseNumber()
	if err := dec.Decode(&value); err != nil {
		return nil, ErrBadJSON{Reason: err.Error()}
	}
	var buf bytes.Buffer
	if err := encodeCanonical(&buf, value); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func encodeCanonical(buf *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case nil:
		buf.WriteString("null")
		return nil
	case bool:
		if v {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
		return nil
	case json.Number:
		return encodeNumber(buf, v)
	case string:
		return encodeString(buf, v)
	case []interface{}:
		buf.WriteByte('[')
		for i, elem := range v {
			if i != 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, elem); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
		return nil
	case map[string]interface{}:
		return encodeObject(buf, v)
	default:
		return ErrBadJSON{Reason: fmt.Sprintf("unsupported type %T", value)}
	}
}

func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	s := n.String()
	if bytes.ContainsAny([]byte(s), ".eE") {
		return ErrBadJSON{Reason: "floating point numbers are not allowed: " + s}
	}
	i, err := n.Int64()
	if err != nil {
		return ErrBadJSON{Reason: "integer out of int64 range: " + s}
	}
	if i > maxSafeInteger || i < minSafeInteger {
		return ErrBadJSON{Reason: "integer outside [-2^53, 2^53]: " + s}
	}
	buf.WriteString(s)
	return nil
}

func encodeString(buf *bytes.Buffer, s string) error {
	encoded, err := json.Marshal(s)
	if err != nil {
		return ErrBadJSON{Reason: err.Error()}
	}
	buf.Write(encoded)
	return nil
}

func encodeObject(buf *bytes.Buffer, m map[string]interface{}) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	buf.WriteByte('{')
	for i, k := range keys {
		if i != 0 {
			buf.WriteByte(',')
		}
		if err := encodeString(buf, k); err != nil {
			return err
		}
		buf.WriteByte(':')
		if err := encodeCanonical(buf, m[k]); err != nil {
			return err
		}
	}
	buf.WriteByte('}')
	return nil
}

// unpaddedBase64 encodes data the way Matrix signatures and content hashes
// require: standard base64 alphabet, no padding.
func unpaddedBase64(data []byte) string {
	return base64.RawStdEncoding.EncodeToString(data)
}

func unpaddedBase64Decode(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(s)
}

// UnpaddedBase64Decode decodes Matrix's unpadded standard base64, used for
// signatures, hashes and published signing keys.
func UnpaddedBase64Decode(s string) ([]byte, error) {
	return unpaddedBase64Decode(s)
}

// UnpaddedBase64Encode encodes bytes as Matrix's unpadded standard base64.
func UnpaddedBase64Encode(b []byte) string {
	return unpaddedBase64(b)
}
