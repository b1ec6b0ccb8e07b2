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

// Package httputil carries the HTTP plumbing the logic layers share: the
// Matrix error envelope (spec.md 6) and client rate limiting. Routing
// itself lives outside this repository.
package httputil

import (
	"encoding/json"
	"net/http"

	"github.com/sirupsen/logrus"
)

// JSONResponse pairs a status code with a JSON-marshalable body.
type JSONResponse struct {
	Code int
	JSON interface{}
}

// MatrixError is the standard error envelope {errcode, error, ...extra}.
type MatrixError struct {
	ErrCode string `json:"errcode"`
	Err     string `json:"error"`
}

func (e MatrixError) Error() string { return e.ErrCode + ": " + e.Err }

// The error constructors cover the codes the core emits (spec.md 6).

func Forbidden(msg string) JSONResponse {
	return JSONResponse{Code: http.StatusForbidden, JSON: MatrixError{"M_FORBIDDEN", msg}}
}

func UnknownToken(msg string, softLogout bool) JSONResponse {
	return JSONResponse{Code: http.StatusUnauthorized, JSON: struct {
		MatrixError
		SoftLogout bool `json:"soft_logout"`
	}{MatrixError{"M_UNKNOWN_TOKEN", msg}, softLogout}}
}

func MissingToken(msg string) JSONResponse {
	return JSONResponse{Code: http.StatusUnauthorized, JSON: MatrixError{"M_MISSING_TOKEN", msg}}
}

func BadJSON(msg string) JSONResponse {
	return JSONResponse{Code: http.StatusBadRequest, JSON: MatrixError{"M_BAD_JSON", msg}}
}

func NotJSON(msg string) JSONResponse {
	return JSONResponse{Code: http.StatusBadRequest, JSON: MatrixError{"M_NOT_JSON", msg}}
}

func NotFound(msg string) JSONResponse {
	return JSONResponse{Code: http.StatusNotFound, JSON: MatrixError{"M_NOT_FOUND", msg}}
}

func UnsupportedRoomVersion(msg string) JSONResponse {
	return JSONResponse{Code: http.StatusBadRequest, JSON: MatrixError{"M_UNSUPPORTED_ROOM_VERSION", msg}}
}

func IncompatibleRoomVersion(msg string) JSONResponse {
	return JSONResponse{Code: http.StatusBadRequest, JSON: MatrixError{"M_INCOMPATIBLE_ROOM_VERSION", msg}}
}

// LimitExceeded is the rate-limit response carrying the retry hint.
func LimitExceeded(msg string, retryAfterMS int64) JSONResponse {
	return JSONResponse{Code: http.StatusTooManyRequests, JSON: struct {
		MatrixError
		RetryAfterMS int64 `json:"retry_after_ms"`
	}{MatrixError{"M_LIMIT_EXCEEDED", msg}, retryAfterMS}}
}

func InternalServerError() JSONResponse {
	return JSONResponse{Code: http.StatusInternalServerError, JSON: MatrixError{"M_UNKNOWN", "internal server error"}}
}

// WriteJSONResponse renders a JSONResponse onto a ResponseWriter.
func WriteJSONResponse(w http.ResponseWriter, res JSONResponse) {
	body, err := json.Marshal(res.JSON)
	if err != nil {
		logrus.WithError(err).Error("Unable to marshal response body")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(res.Code)
	_, _ = w.Write(body)
}
