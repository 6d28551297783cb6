package badgerdb

import (
	"fmt"
	"strings"

	"github.com/celer-network/go-settlement/log"
)

// extendedLog adapts the settlement logger to the badger.Logger interface.
type extendedLog struct {
	*log.Logger
}

func (l *extendedLog) Errorf(format string, args ...interface{}) {
	l.Error().Msg(trimFormat(format, args...))
}

func (l *extendedLog) Warningf(format string, args ...interface{}) {
	l.Warn().Msg(trimFormat(format, args...))
}

func (l *extendedLog) Infof(format string, args ...interface{}) {
	l.Info().Msg(trimFormat(format, args...))
}

func (l *extendedLog) Debugf(format string, args ...interface{}) {
	l.Debug().Msg(trimFormat(format, args...))
}

func trimFormat(format string, args ...interface{}) string {
	return strings.TrimSuffix(fmt.Sprintf(format, args...), "\n")
}
