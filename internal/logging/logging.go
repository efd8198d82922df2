package logging

import (
	"log/slog"
	"sync"

	"github.com/OliverSchlueter/goutils/sloki"
)

const DefaultService = "mail-sender"

type Configuration struct {
	Service string
	Debug   bool
	// LokiURL enables pushing to Loki when set.
	LokiURL string
}

var once sync.Once

// Init installs the process-wide slog handler. Only the first call has an
// effect; it reports whether this call did.
func Init(config Configuration) bool {
	applied := false
	once.Do(func() {
		slog.SetDefault(slog.New(Handler(config)))
		applied = true
	})
	return applied
}

func Handler(config Configuration) slog.Handler {
	if config.Service == "" {
		config.Service = DefaultService
	}

	level := slog.LevelInfo
	if config.Debug {
		level = slog.LevelDebug
	}

	return sloki.NewService(sloki.Configuration{
		URL:          config.LokiURL,
		Service:      config.Service,
		ConsoleLevel: level,
		LokiLevel:    slog.LevelInfo,
		EnableLoki:   config.LokiURL != "",
	})
}
