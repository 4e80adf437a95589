package logger

import (
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	// Logger 全局日志实例
	Logger *logrus.Logger
	// logMu 初始化锁
	logMu sync.Mutex
)

// Config 日志配置
type Config struct {
	Level      string // 日志级别: debug, info, warn, error
	OutputFile string // 日志文件路径（可选，为空则只输出到控制台）
	MaxSize    int    // 日志文件最大大小（MB）
	MaxBackups int    // 保留的旧日志文件数量
	MaxAge     int    // 保留旧日志文件的天数
	Compress   bool   // 是否压缩旧日志文件
}

// Init 初始化日志系统
func Init(config Config) error {
	logMu.Lock()
	defer logMu.Unlock()

	logger := logrus.New()

	// 设置日志级别
	level, err := logrus.ParseLevel(config.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// 设置日志格式
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05", // 格式: yy-mm-dd HH:MM:ss
		ForceColors:     true,
	})

	// 设置输出
	var writers []io.Writer
	writers = append(writers, os.Stdout)

	// 如果配置了日志文件，添加带轮转的文件输出
	if config.OutputFile != "" {
		logDir := filepath.Dir(config.OutputFile)
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return err
		}

		fileWriter := &lumberjack.Logger{
			Filename:   config.OutputFile,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		writers = append(writers, fileWriter)
	}

	// 使用 MultiWriter 同时输出到控制台和文件
	multiWriter := io.MultiWriter(writers...)
	logger.SetOutput(multiWriter)

	// 同时设置全局 logrus 的输出，确保所有使用 logrus 的地方都能写入文件
	logrus.SetOutput(multiWriter)
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "06-01-02 15:04:05",
		ForceColors:     true,
	})

	Logger = logger
	return nil
}

// InitDefault 使用默认配置初始化（info 级别，仅控制台）
func InitDefault() error {
	return Init(Config{Level: "info"})
}

func ensure() *logrus.Logger {
	if Logger == nil {
		_ = InitDefault()
	}
	return Logger
}

// Debug 输出 debug 级别日志
func Debug(args ...interface{}) {
	ensure().Debug(args...)
}

// Debugf 输出格式化 debug 级别日志
func Debugf(format string, args ...interface{}) {
	ensure().Debugf(format, args...)
}

// Info 输出 info 级别日志
func Info(args ...interface{}) {
	ensure().Info(args...)
}

// Infof 输出格式化 info 级别日志
func Infof(format string, args ...interface{}) {
	ensure().Infof(format, args...)
}

// Warn 输出 warn 级别日志
func Warn(args ...interface{}) {
	ensure().Warn(args...)
}

// Warnf 输出格式化 warn 级别日志
func Warnf(format string, args ...interface{}) {
	ensure().Warnf(format, args...)
}

// Error 输出 error 级别日志
func Error(args ...interface{}) {
	ensure().Error(args...)
}

// Errorf 输出格式化 error 级别日志
func Errorf(format string, args ...interface{}) {
	ensure().Errorf(format, args...)
}

// WithField 创建带字段的日志条目
func WithField(key string, value interface{}) *logrus.Entry {
	return ensure().WithField(key, value)
}

// WithFields 创建带多个字段的日志条目
func WithFields(fields logrus.Fields) *logrus.Entry {
	return ensure().WithFields(fields)
}
