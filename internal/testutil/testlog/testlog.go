package testlog

import (
	"testing"

	"github.com/armon/circbuf"
	"github.com/danmuck/edgemsgr/internal/logging"
	"github.com/rs/zerolog/log"
)

// captureBytes bounds the per-test log tail dumped on failure.
const captureBytes = 64 * 1024

// Start configures test logging and captures the test's log tail. The tail is
// written to the test log only when the test fails.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()

	buf, err := circbuf.NewBuffer(captureBytes)
	if err != nil {
		t.Fatalf("log capture: %v", err)
	}
	logging.SetOutput(buf)
	t.Cleanup(func() {
		logging.SetOutput(nil)
		if t.Failed() {
			t.Logf("log tail (%d of %d bytes):\n%s", len(buf.Bytes()), buf.TotalWritten(), buf.String())
		}
	})
	log.Info().Str("test", t.Name()).Msg("test start")
}
