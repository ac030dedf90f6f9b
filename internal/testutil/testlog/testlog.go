package testlog

import (
	"testing"

	"github.com/rs/zerolog"

	"github.com/Durian-leader/minitest-oect/internal/logging"
)

// Start configures test logging and returns a logger routed through the
// test's own output.
func Start(t *testing.T) zerolog.Logger {
	t.Helper()
	logging.ConfigureTests()
	return zerolog.New(zerolog.NewTestWriter(t))
}
