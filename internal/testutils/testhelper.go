package testutils

import (
	"bytes"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
)

type TestHelper struct {
	T      *testing.T
	Logger *logrus.Logger
	logs   *syncBuffer
}

// NewTestHelper creates a helper whose logger writes debug output into memory.
func NewTestHelper(t *testing.T) *TestHelper {
	buf := &syncBuffer{}
	logger := logrus.New()
	logger.SetOutput(buf)
	logger.SetLevel(logrus.DebugLevel) // debug logs make failures traceable
	return &TestHelper{T: t, Logger: logger, logs: buf}
}

// Logs returns everything logged so far.
func (h *TestHelper) Logs() string {
	return h.logs.String()
}

// DumpLogsOnFailure writes the captured log to the test output if the test failed.
func (h *TestHelper) DumpLogsOnFailure() {
	if h.T.Failed() {
		h.T.Logf("captured log:\n%s", h.Logs())
	}
}

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
