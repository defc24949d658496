// Vectra
// Copyright (C) 2025 Vectra Labs, Inc.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

package tiercache

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeJSON(t *testing.T) {
	t.Parallel()

	type verdict struct {
		Allowed bool   `json:"allowed"`
		Role    string `json:"role"`
	}

	payload, err := Encode(verdict{Allowed: true, Role: "editor"})
	require.NoError(t, err)
	require.False(t, IsCompressed(payload))

	var out verdict
	require.NoError(t, DecodeJSON(payload, &out))
	require.Equal(t, verdict{Allowed: true, Role: "editor"}, out)
}

func TestEncodeCompressesLargePayloads(t *testing.T) {
	t.Parallel()

	// Repetitive and well over the floor, so gzip clears the minimum
	// saving easily.
	big := map[string]string{"blob": strings.Repeat("abcdefgh", 1024)}

	payload, err := Encode(big)
	require.NoError(t, err)
	require.True(t, IsCompressed(payload))

	var out map[string]string
	require.NoError(t, DecodeJSON(payload, &out))
	require.Equal(t, big, out)
}

func TestEncodeSkipsCompressionBelowFloor(t *testing.T) {
	t.Parallel()

	payload, err := Encode(map[string]string{"k": "small"})
	require.NoError(t, err)
	require.False(t, IsCompressed(payload))
}

func TestEncodeSkipsCompressionWithoutSaving(t *testing.T) {
	t.Parallel()

	// Already-compressed bytes do not shrink by 20%, so the envelope
	// stays uncompressed even above the floor.
	random := make([]byte, 4096)
	state := uint64(0x9e3779b97f4a7c15)
	for i := range random {
		state = state*6364136223846793005 + 1442695040888963407
		random[i] = byte(state >> 56)
	}

	payload := EncodeBinary(random)
	require.False(t, IsCompressed(payload))

	body, form, err := Decode(payload)
	require.NoError(t, err)
	require.Equal(t, FormBinary, form)
	require.True(t, bytes.Equal(random, body))
}

func TestDecodeCorruptPayloads(t *testing.T) {
	t.Parallel()

	good, err := Encode(map[string]int{"n": 1})
	require.NoError(t, err)

	tests := []struct {
		name    string
		payload []byte
	}{
		{name: "empty", payload: nil},
		{name: "short", payload: []byte{0, 'J'}},
		{name: "bad compression byte", payload: append([]byte{7}, good[1:]...)},
		{name: "bad form tag", payload: append([]byte{0, 'X', 'M', 'L', ' '}, good[prefixLen:]...)},
		{name: "truncated gzip body", payload: []byte{1, 'J', 'S', 'O', 'N', 0x1f, 0x8b}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, _, err := Decode(tt.payload)
			require.Error(t, err)
			require.True(t, errors.Is(err, ErrCorruptPayload))
		})
	}
}

func TestDecodeJSONRejectsBinaryForm(t *testing.T) {
	t.Parallel()

	payload := EncodeBinary([]byte("opaque"))
	var out map[string]any
	err := DecodeJSON(payload, &out)
	require.True(t, errors.Is(err, ErrCorruptPayload))
}

func TestDecodeJSONRejectsMalformedBody(t *testing.T) {
	t.Parallel()

	payload := seal([]byte("{not json"), FormJSON)
	var out map[string]any
	err := DecodeJSON(payload, &out)
	require.True(t, errors.Is(err, ErrCorruptPayload))
}
