// Package observability 初始化 OpenTelemetry 链路追踪。
package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/zhouzirui/xinqiao/backend/internal/platform/logger"
)

type TracingConfig struct {
	ServiceName string
	Stdout      bool
	// Writer 为空时输出到 stdout
	Writer io.Writer
}

// InitTracing 设置全局 TracerProvider 并返回关闭函数。
// 未启用导出时仍安装无导出器的 provider，流水线的 span 照常创建。
func InitTracing(cfg TracingConfig, log *logger.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logger.NewNop()
	}
	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "xinqiao-backend"
	}
	res := resource.NewSchemaless(
		attribute.String("service.name", serviceName),
		attribute.String("service.component", "pipeline"),
	)

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.AlwaysSample())),
	}
	if cfg.Stdout {
		w := cfg.Writer
		if w == nil {
			w = os.Stdout
		}
		exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		opts = append(opts, sdktrace.WithBatcher(exporter, sdktrace.WithBatchTimeout(5*time.Second)))
	}

	tp := sdktrace.NewTracerProvider(opts...)
	otel.SetTracerProvider(tp)
	log.Info("otel tracing initialized", "service", serviceName, "stdout", cfg.Stdout)
	return tp.Shutdown, nil
}
