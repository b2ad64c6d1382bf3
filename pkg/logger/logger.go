package logger

import (
	"context"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type ctxKey string

// Context 里携带的请求维度字段，日志时自动带出
const (
	ReqIDKey   ctxKey = "req_id"
	AccountKey ctxKey = "account"
)

// Log 全局 Logger。Init 之前是 Nop，库代码在测试里不会空指针。
var Log = zap.NewNop()

// Level 可在运行中调整（配置热更新时用）
var Level = zap.NewAtomicLevelAt(zap.InfoLevel)

// Init 初始化日志组件
// serviceName: 服务名 (例如 "twsrx")
// level: 日志级别 (debug, info, warn, error)
func Init(serviceName string, level string) {
	InitWithFile(serviceName, level, "")
}

// InitWithFile 同时写控制台和文件；logFile 为空时只写控制台
func InitWithFile(serviceName string, level string, logFile string) {
	SetLevel(level)

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.MessageKey = "msg"

	writeSyncers := []zapcore.WriteSyncer{
		zapcore.AddSync(os.Stderr), // stdout 留给数据输出
	}

	if logFile != "" {
		if err := os.MkdirAll(filepath.Dir(logFile), 0755); err == nil {
			file, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
			if err == nil {
				writeSyncers = append(writeSyncers, zapcore.AddSync(file))
			}
		}
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.NewMultiWriteSyncer(writeSyncers...),
		Level,
	)

	// AddCallerSkip(1)：跳过本包的封装函数
	Log = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1)).
		With(zap.String("service", serviceName))
}

// SetLevel 非法级别保持原样
func SetLevel(level string) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return
	}
	Level.SetLevel(zapLevel)
}

// WithReqID 把请求号放进 ctx
func WithReqID(ctx context.Context, reqID int64) context.Context {
	return context.WithValue(ctx, ReqIDKey, reqID)
}

// WithAccount 把账户放进 ctx
func WithAccount(ctx context.Context, account string) context.Context {
	return context.WithValue(ctx, AccountKey, account)
}

func Info(ctx context.Context, msg string, fields ...zap.Field) {
	extract(ctx, &fields)
	Log.Info(msg, fields...)
}

func Error(ctx context.Context, msg string, fields ...zap.Field) {
	extract(ctx, &fields)
	Log.Error(msg, fields...)
}

func Warn(ctx context.Context, msg string, fields ...zap.Field) {
	extract(ctx, &fields)
	Log.Warn(msg, fields...)
}

func Debug(ctx context.Context, msg string, fields ...zap.Field) {
	extract(ctx, &fields)
	Log.Debug(msg, fields...)
}

// extract 从 ctx 取出 req_id / account 追加到 fields
func extract(ctx context.Context, fields *[]zap.Field) {
	if ctx == nil {
		return
	}
	if reqID, ok := ctx.Value(ReqIDKey).(int64); ok {
		*fields = append(*fields, zap.Int64("req_id", reqID))
	}
	if account, ok := ctx.Value(AccountKey).(string); ok && account != "" {
		*fields = append(*fields, zap.String("account", account))
	}
}

// Sync 刷新缓冲区 (main 里 defer 调用)
func Sync() {
	if Log != nil {
		_ = Log.Sync()
	}
}
