package mqtt

import (
	"fmt"
	"strings"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/rs/zerolog"
)

type pahoLogger struct {
	event func() *zerolog.Event
}

func (p pahoLogger) Println(v ...interface{}) {
	p.event().Msg(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (p pahoLogger) Printf(format string, v ...interface{}) {
	p.event().Msgf(strings.TrimSpace(format), v...)
}

// SetLogger routes the paho library's own warnings and errors into log.
func SetLogger(log zerolog.Logger) {
	l := log.With().Str("component", "paho").Logger()
	mqtt.CRITICAL = pahoLogger{event: l.Error}
	mqtt.ERROR = pahoLogger{event: l.Error}
	mqtt.WARN = pahoLogger{event: l.Warn}
}
