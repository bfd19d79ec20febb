package trace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

type Config struct {
	Enabled bool    `mapstructure:"enabled"`
	Addr    string  `mapstructure:"addr"`   // OTLP gRPC 地址，比如 "localhost:4317"
	Sample  float64 `mapstructure:"sample"` // 采样率 (0,1]，0 表示全采
}

// InitTrace 初始化 OpenTelemetry TracerProvider，返回关闭函数
// 未启用时返回空操作的关闭函数
func InitTrace(serviceName string, c Config) (func(context.Context) error, error) {
	if !c.Enabled || c.Addr == "" {
		return func(context.Context) error { return nil }, nil
	}

	ctx := context.Background()
	otlpClient := otlptracegrpc.NewClient(
		otlptracegrpc.WithEndpoint(c.Addr),
		otlptracegrpc.WithInsecure(), // 没有tls
	)
	exporter, err := otlptrace.New(ctx, otlpClient)
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	sampler := sdktrace.AlwaysSample()
	if c.Sample > 0 && c.Sample < 1 {
		sampler = sdktrace.ParentBased(sdktrace.TraceIDRatioBased(c.Sample))
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sampler),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{},
	))

	return tp.Shutdown, nil
}
