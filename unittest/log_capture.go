package unittest

import (
	"bytes"
	"io"
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

// Log output capture.
//
// Redirects logrus output into a buffer for the duration of a test, so it is
// only shown for tests that fail or when running verbosely.
type logCapture struct {
	lock sync.Mutex
	buf  bytes.Buffer
	prev io.Writer
}

func (c *logCapture) Write(p []byte) (int, error) {
	c.lock.Lock()
	defer c.lock.Unlock()

	return c.buf.Write(p)
}

// Start capturing.
func (c *logCapture) Start() {
	c.prev = logrus.StandardLogger().Out
	logrus.SetOutput(c)
}

// Stop capturing.
//
// Returns the captured output.
func (c *logCapture) Stop() string {
	if c.prev == nil {
		c.prev = os.Stderr
	}
	logrus.SetOutput(c.prev)

	c.lock.Lock()
	defer c.lock.Unlock()

	return c.buf.String()
}
