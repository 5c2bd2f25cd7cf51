package badger

import (
	"fmt"
	"strings"

	badgerdb "github.com/dgraph-io/badger/v3"
	"go.uber.org/zap"
)

// zapBadgerLogger routes badger's printf-style logging into zap. Badger is
// chatty at info level (compactions, value log rotation), so info lines are
// demoted to debug.
type zapBadgerLogger struct {
	sugar *zap.SugaredLogger
}

var _ badgerdb.Logger = (*zapBadgerLogger)(nil)

func newZapBadgerLogger(logger *zap.Logger) *zapBadgerLogger {
	return &zapBadgerLogger{sugar: logger.Named("badger").Sugar()}
}

func (z *zapBadgerLogger) msg(format string, args ...interface{}) string {
	return strings.TrimRight(fmt.Sprintf(format, args...), "\n")
}

func (z *zapBadgerLogger) Errorf(format string, args ...interface{}) {
	z.sugar.Error(z.msg(format, args...))
}

func (z *zapBadgerLogger) Warningf(format string, args ...interface{}) {
	z.sugar.Warn(z.msg(format, args...))
}

func (z *zapBadgerLogger) Infof(format string, args ...interface{}) {
	z.sugar.Debug(z.msg(format, args...))
}

func (z *zapBadgerLogger) Debugf(format string, args ...interface{}) {
	z.sugar.Debug(z.msg(format, args...))
}
