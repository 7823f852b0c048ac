package broker

import (
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

// pahoLogger forwards the paho library's internal logging to zerolog.
type pahoLogger struct {
	logger zerolog.Logger
	level  zerolog.Level
}

func (p pahoLogger) Println(v ...interface{}) {
	p.logger.WithLevel(p.level).Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (p pahoLogger) Printf(format string, v ...interface{}) {
	p.logger.WithLevel(p.level).Msg(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

// installPahoLogger routes paho's package-level loggers. Library debug
// output is only enabled when debug is set.
func installPahoLogger(l zerolog.Logger, debug bool) {
	l = l.With().Str("source", "paho").Logger()

	mqtt.ERROR = pahoLogger{logger: l, level: zerolog.ErrorLevel}
	mqtt.CRITICAL = pahoLogger{logger: l, level: zerolog.ErrorLevel}
	mqtt.WARN = pahoLogger{logger: l, level: zerolog.WarnLevel}
	if debug {
		mqtt.DEBUG = pahoLogger{logger: l, level: zerolog.DebugLevel}
	} else {
		mqtt.DEBUG = mqtt.NOOPLogger{}
	}
}
