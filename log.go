package pidcal

import (
	"os"
	"time"

	"github.com/charmbracelet/log"
)

var logger = log.NewWithOptions(os.Stderr, log.Options{
	ReportTimestamp: true,
	TimeFormat:      time.RFC3339,
	Level:           log.InfoLevel,
	Prefix:          "pidcal",
})

// SetVerbose lowers the log level to debug.
func SetVerbose() {
	logger.SetLevel(log.DebugLevel)
}

func logDebug(msg string, keyvals ...interface{}) { logger.Debug(msg, keyvals...) }
func logInfo(msg string, keyvals ...interface{})  { logger.Info(msg, keyvals...) }
func logWarn(msg string, keyvals ...interface{})  { logger.Warn(msg, keyvals...) }
func logError(msg string, keyvals ...interface{}) { logger.Error(msg, keyvals...) }
