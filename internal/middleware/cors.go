// Package middleware 提供 chi 路由使用的 HTTP 中间件。
package middleware

import (
	"net/http"
	"strings"

	"github.com/go-chi/cors"
)

// CORS 只允许配置中的前端来源跨域访问。
// X-User-ID 是唯一的身份信号，来源列表为空时拒绝所有跨域请求。
func CORS(allowedOrigins []string) func(http.Handler) http.Handler {
	origins := make([]string, 0, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o = strings.TrimRight(strings.TrimSpace(o), "/"); o != "" {
			origins = append(origins, o)
		}
	}

	opts := cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "X-Request-ID", OwnerIDHeader},
		ExposedHeaders: []string{"X-Request-ID"},
		MaxAge:         300,
	}
	if len(origins) == 0 {
		// go-chi/cors 把空列表视为允许全部
		opts.AllowOriginFunc = func(*http.Request, string) bool { return false }
	}
	return cors.Handler(opts)
}
