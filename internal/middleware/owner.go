package middleware

import (
	"net/http"
	"strings"
)

// OwnerIDHeader 由上游网关在认证后注入，缺失时视为匿名用户
const OwnerIDHeader = "X-User-ID"

// OwnerID 返回请求的用户标识
func OwnerID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get(OwnerIDHeader))
}
