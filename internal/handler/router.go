package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/zhouzirui/xinqiao/backend/internal/handler/chat"
	"github.com/zhouzirui/xinqiao/backend/internal/handler/conversation"
	"github.com/zhouzirui/xinqiao/backend/internal/middleware"
	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
	chatService "github.com/zhouzirui/xinqiao/backend/internal/service/chat"
	"github.com/zhouzirui/xinqiao/backend/pkg/utils"
)

// HealthCheck 检查依赖是否可用
type HealthCheck func(ctx context.Context) error

// NewRouter wires HTTP routes to core services.
// allowedOrigins 为允许跨域访问的前端来源。
func NewRouter(chatSvc *chatService.Service, health HealthCheck, allowedOrigins []string, log *logger.Logger) http.Handler {
	if log == nil {
		log = logger.NewNop()
	}
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.AccessLog(log))
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(allowedOrigins))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := health(ctx); err != nil {
				log.Warn("health check failed", "error", err)
				utils.RespondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		utils.RespondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(api chi.Router) {
		chat.New(chatSvc, log).RegisterRoutes(api)
		conversation.New(chatSvc, log).RegisterRoutes(api)
	})

	return r
}
