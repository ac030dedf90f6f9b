package observability

import (
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogger tags the process-wide logger with an app field and returns it.
// logging.Configure must have run first so level and writer are set.
func InitLogger(app string) zerolog.Logger {
	logger := log.With().Str("app", app).Logger()
	log.Logger = logger
	return logger
}
