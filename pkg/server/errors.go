// Copyright 2025 OneKey
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

package server

import (
	"encoding/json"
	"io"
	"net/http"
)

// Error type labels used in the OpenAI-style error envelope.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeNotFound       = "not_found_error"
	errTypeTimeout        = "timeout_error"
	errTypeInternal       = "internal_error"
)

// User-facing messages shared across handlers.
const (
	msgBadRequest   = "请求参数校验失败"
	msgInternal     = "服务内部错误"
	msgTotalTimeout = "请求超时，请稍后重试或缩短问题/上下文"
	msgMissingUser  = "messages 中缺少 user 内容"
)

type apiError struct {
	Message string  `json:"message"`
	Type    string  `json:"type"`
	Param   *string `json:"param"`
	Code    *string `json:"code"`
}

// writeError writes the error envelope every endpoint uses:
// {"error": {"message": ..., "type": ..., "param": null, "code": null}}.
func writeError(w http.ResponseWriter, status int, errType, message string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(map[string]apiError{"error": {Message: message, Type: errType}})
}

func badRequest(w http.ResponseWriter, message string) {
	writeError(w, http.StatusBadRequest, errTypeInvalidRequest, message)
}

func notFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, errTypeNotFound, message)
}

func internalError(w http.ResponseWriter) {
	writeError(w, http.StatusInternalServerError, errTypeInternal, msgInternal)
}

// maxBodyBytes caps request bodies; file content arrives by path, not in
// the body, so requests are small.
const maxBodyBytes = 10 << 20

func decodeJSON(r *http.Request, v any) error {
	return json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
}
