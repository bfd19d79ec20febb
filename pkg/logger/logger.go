package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ctx 中链路字段的 Key
const (
	TraceIdKey   = "trace_id"
	RequestIdKey = "request_id"
)

// 全局 Logger 实例，Init 之前是 Nop，避免库代码和测试里空指针
var Log = zap.NewNop()

// FileConfig 日志文件滚动配置
type FileConfig struct {
	Path       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
	Compress   bool   `mapstructure:"compress"`
}

// Init 初始化日志组件，只输出到控制台
// serviceName: 当前服务名称 (例如 "ledger-service")
// level: 日志级别 (debug, info, warn, error)
func Init(serviceName string, level string) {
	Log = build(serviceName, level, zapcore.AddSync(os.Stdout))
}

// InitWithFile 控制台 + 滚动文件
// fc.Path 为空时使用 logs/{serviceName}.log
func InitWithFile(serviceName string, level string, fc FileConfig) {
	if fc.Path == "" {
		fc.Path = filepath.Join("logs", serviceName+".log")
	}
	if fc.MaxSizeMB <= 0 {
		fc.MaxSizeMB = 100
	}
	if fc.MaxBackups <= 0 {
		fc.MaxBackups = 7
	}
	if fc.MaxAgeDays <= 0 {
		fc.MaxAgeDays = 30
	}

	// 按大小切割，旧文件保留 MaxBackups 份
	rotate := &lumberjack.Logger{
		Filename:   fc.Path,
		MaxSize:    fc.MaxSizeMB,
		MaxBackups: fc.MaxBackups,
		MaxAge:     fc.MaxAgeDays,
		Compress:   fc.Compress,
		LocalTime:  true,
	}

	Log = build(serviceName, level, zapcore.NewMultiWriteSyncer(
		zapcore.AddSync(os.Stdout), // 容器化标准
		zapcore.AddSync(rotate),
	))
}

func build(serviceName, level string, ws zapcore.WriteSyncer) *zap.Logger {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		zapLevel = zap.InfoLevel // 默认 Info
	}

	// 生产环境强制用 JSON
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), ws, zapLevel)

	// 封装了一层函数，所以 Skip 1，否则行号永远指向 logger.go
	return zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// ---------------------------------------------------------
// 带 Context 的日志方法
// ---------------------------------------------------------

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Debug(msg, fields...)
}

// Fatal 会调用 os.Exit
func Fatal(ctx context.Context, msg string, fields ...zap.Field) {
	extractTrace(ctx, &fields)
	Log.Fatal(msg, fields...)
}

// extractTrace 从 Context 中提取 trace_id / request_id 并追加到 fields
func extractTrace(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	if traceID, ok := ctx.Value(TraceIdKey).(string); ok && traceID != "" {
		*fields = append(*fields, zap.String("trace_id", traceID))
	}
	if rid, ok := ctx.Value(RequestIdKey).(string); ok && rid != "" {
		*fields = append(*fields, zap.String("request_id", rid))
	}
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
