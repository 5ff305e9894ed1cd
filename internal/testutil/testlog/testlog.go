// Package testlog routes package tests through the shared test logger.
package testlog

import (
	"testing"
	"time"

	"github.com/danmuck/edgeproc/internal/logging"
)

// Start configures test logging and logs the test boundaries.
func Start(t *testing.T) {
	t.Helper()
	logging.ConfigureTests()
	started := time.Now()
	logging.Infof("test=%s start", t.Name())
	t.Cleanup(func() {
		logging.Infof("test=%s done failed=%t elapsed=%s", t.Name(), t.Failed(), time.Since(started).Round(time.Millisecond))
	})
}
