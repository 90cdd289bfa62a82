package logutil

import (
	"github.com/pingcap/errors"
	"github.com/pingcap/log"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// InitLogger builds a zap logger from cfg and installs it as the global logger.
func InitLogger(cfg *log.Config) (*zap.Logger, error) {
	lg, props, err := log.InitLogger(cfg, zap.AddStacktrace(zapcore.FatalLevel))
	if err != nil {
		return nil, errors.Annotate(err, "initialize logger")
	}
	log.ReplaceGlobals(lg, props)
	return lg, nil
}

// LogPanic logs the panic reason and stack, then exits the process.
// Use it with defer.
func LogPanic() {
	if e := recover(); e != nil {
		log.Fatal("panic", zap.Reflect("recover", e), zap.Stack("stack"))
	}
}
