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
	"encoding/json"
	"errors"
	"io"

	"github.com/gravitational/trace"
	"github.com/klauspost/compress/gzip"
)

// ErrCorruptPayload is returned when a stored payload cannot be decoded. The
// caller treats the entry as a miss and evicts it.
var ErrCorruptPayload = errors.New("corrupt cache payload")

// Form identifies how a payload was encoded.
type Form string

const (
	// FormJSON is a JSON-marshaled structured record.
	FormJSON Form = "JSON"
	// FormBinary is a pre-computed opaque blob.
	FormBinary Form = "BIN "
)

// Payloads below this size are never compressed.
const compressionFloor = 1024

// Compression is kept only when it shrinks the payload by at least this
// fraction.
const compressionMinSaving = 0.2

const prefixLen = 5

// Encode marshals v as JSON and wraps it in the wire envelope: a 5-byte
// prefix of {compressed byte, 4-byte form tag} followed by the body.
func Encode(v any) ([]byte, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	return seal(body, FormJSON), nil
}

// EncodeBinary wraps an opaque blob in the wire envelope without
// re-serializing it.
func EncodeBinary(blob []byte) []byte {
	return seal(blob, FormBinary)
}

// Decode unwraps the envelope and returns the raw body and its form. An
// unrecognized prefix or a failed decompression yields [ErrCorruptPayload].
func Decode(data []byte) ([]byte, Form, error) {
	if len(data) < prefixLen {
		return nil, "", trace.Wrap(ErrCorruptPayload, "payload of %d bytes is shorter than the envelope prefix", len(data))
	}

	compressed := data[0]
	if compressed != 0 && compressed != 1 {
		return nil, "", trace.Wrap(ErrCorruptPayload, "unrecognized compression byte %#x", compressed)
	}

	form := Form(data[1:prefixLen])
	switch form {
	case FormJSON, FormBinary:
	default:
		return nil, "", trace.Wrap(ErrCorruptPayload, "unrecognized form tag %q", string(form))
	}

	body := data[prefixLen:]
	if compressed == 1 {
		zr, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			return nil, "", trace.Wrap(ErrCorruptPayload, "opening compressed payload: %v", err)
		}
		raw, err := io.ReadAll(zr)
		if closeErr := zr.Close(); err == nil {
			err = closeErr
		}
		if err != nil {
			return nil, "", trace.Wrap(ErrCorruptPayload, "decompressing payload: %v", err)
		}
		body = raw
	}

	return body, form, nil
}

// DecodeJSON unwraps the envelope and unmarshals a JSON body into out.
func DecodeJSON(data []byte, out any) error {
	body, form, err := Decode(data)
	if err != nil {
		return trace.Wrap(err)
	}
	if form != FormJSON {
		return trace.Wrap(ErrCorruptPayload, "expected a JSON payload, got form %q", string(form))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return trace.Wrap(ErrCorruptPayload, "unmarshaling payload: %v", err)
	}
	return nil
}

// IsCompressed reports whether an encoded payload carries a compressed body.
func IsCompressed(data []byte) bool {
	return len(data) >= prefixLen && data[0] == 1
}

func seal(body []byte, form Form) []byte {
	compressed := byte(0)
	if len(body) > compressionFloor {
		if z, ok := tryCompress(body); ok {
			body = z
			compressed = 1
		}
	}

	out := make([]byte, 0, prefixLen+len(body))
	out = append(out, compressed)
	out = append(out, form...)
	return append(out, body...)
}

func tryCompress(body []byte) ([]byte, bool) {
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(body); err != nil {
		return nil, false
	}
	if err := zw.Close(); err != nil {
		return nil, false
	}
	if float64(buf.Len()) > float64(len(body))*(1-compressionMinSaving) {
		return nil, false
	}
	return buf.Bytes(), true
}
