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

package eventcore

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		want  string
	}{
		{"empty object", `{}`, `{}`},
		{"sorted keys", `{"b":1,"a":2}`, `{"a":2,"b":1}`},
		{"nested objects", `{"z":{"y":1,"x":2},"a":[3,2,1]}`, `{"a":[3,2,1],"z":{"x":2,"y":1}}`},
		{"whitespace stripped", `{ "a" : 1 , "b" : [ 1 , 2 ] }`, `{"a":1,"b":[1,2]}`},
		{"arrays keep order", `{"a":[3,1,2]}`, `{"a":[3,1,2]}`},
		{"null and bool", `{"b":null,"a":true,"c":false}`, `{"a":true,"b":null,"c":false}`},
		{"unicode string", `{"a":"日本語"}`, `{"a":"日本語"}`},
		{"negative int", `{"a":-42}`, `{"a":-42}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CanonicalJSON([]byte(tt.input))
			require.NoError(t, err)
			assert.Equal(t, tt.want, string(got))
		})
	}
}

func TestCanonicalJSONRejectsBadNumbers(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
	}{
		{"float", `{"a":1.5}`},
		{"exponent", `{"a":1e10}`},
		{"too large", `{"a":9007199254740993}`},
		{"too small", `{"a":-9007199254740993}`},
		{"nested float", `{"a":{"b":[0.1]}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CanonicalJSON([]byte(tt.input))
			var badJSON ErrBadJSON
			require.ErrorAs(t, err, &badJSON)
		})
	}
}

// The round-trip property from the testable-properties list: parsing the
// canonical form yields the same value as parsing the original.
func TestCanonicalJSONRoundTrip(t *testing.T) {
	t.Parallel()

	inputs := []string{
		`{"content":{"body":"hi","msgtype":"m.text"},"type":"m.room.message"}`,
		`{"deep":{"nesting":{"of":{"objects":[{"and":"arrays"},[1,2,3]]}}}}`,
		`{"a":9007199254740992,"b":-9007199254740992}`,
	}
	for _, input := range inputs {
		canonical, err := CanonicalJSON([]byte(input))
		require.NoError(t, err)

		var original, roundTripped interface{}
		require.NoError(t, json.Unmarshal([]byte(input), &original))
		require.NoError(t, json.Unmarshal(canonical, &roundTripped))
		assert.Equal(t, original, roundTripped)

		// Canonicalising canonical output is a fixed point.
		again, err := CanonicalJSON(canonical)
		require.NoError(t, err)
		assert.Equal(t, canonical, again)
	}
}
