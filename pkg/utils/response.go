package utils

import (
	"encoding/json"
	"net/http"
)

// ErrorBody 是统一的错误响应体
type ErrorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// RespondJSON 发送JSON响应
func RespondJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}

// RespondError 发送错误响应
func RespondError(w http.ResponseWriter, status int, code, message string) error {
	return RespondJSON(w, status, ErrorBody{Error: message, Code: code})
}
