// Package sysutil holds small process-level helpers shared by the entrypoint.
package sysutil

import (
	"strings"

	"github.com/rs/zerolog"
)

// logLevels maps accepted LOG_LEVEL values onto zerolog levels. "warning" is
// accepted as an alias because the config layer normalizes it but operators
// sometimes export the variable directly.
var logLevels = map[string]zerolog.Level{
	"debug":   zerolog.DebugLevel,
	"info":    zerolog.InfoLevel,
	"":        zerolog.InfoLevel,
	"warn":    zerolog.WarnLevel,
	"warning": zerolog.WarnLevel,
	"error":   zerolog.ErrorLevel,
	"fatal":   zerolog.FatalLevel,
	"panic":   zerolog.PanicLevel,
}

// SetLogLevel sets the global zerolog level from a string value,
// case-insensitively. Unknown values fall back to info.
func SetLogLevel(lvl string) {
	level, ok := logLevels[strings.ToLower(strings.TrimSpace(lvl))]
	if !ok {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
