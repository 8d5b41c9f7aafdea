package testoutput

import (
	"io"
	"os"
	"sync"
	"testing"

	"github.com/amazonlinux/bottlerocket/strapper/pkg/logging"
	"github.com/sirupsen/logrus"
)

// New returns a writer that writes strings (assuming lines) to the testing
// logger.
func New(t testing.TB) io.Writer {
	return &testoutput{t}
}

// Logger wraps a logger at the call point to collect its downstream calls.
func Logger(t testing.TB, logger logging.Logger) logging.Logger {
	l := logger.WithFields(logrus.Fields{})
	l.Logger.SetOutput(New(t))
	l.Logger.SetLevel(logrus.DebugLevel)
	return l
}

// Setter may be given to logging to configure the output to be sent to the
// testing facade to be interlaced with test output. You should not use parallel
// tests with this set as they would conflict in that they'd write to the wrong
// test or write to the Revert'd output if they aren't synchronous.
func Setter(t testing.TB) logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(New(t))
		l.SetLevel(logrus.DebugLevel)
		return nil
	}
}

// Revert restores the logger output to write to stderr.
func Revert() logging.Setter {
	return func(l *logrus.Logger) error {
		l.SetOutput(os.Stderr)
		return nil
	}
}

type testoutput struct {
	t testing.TB
}

func (l *testoutput) Write(p []byte) (n int, err error) {
	l.t.Logf("%s", p)
	return len(p), nil
}

// Entries collects log entries for assertions on what was logged, such as
// making sure a secret never reaches the output.
type Entries struct {
	mu      sync.Mutex
	entries []*logrus.Entry
}

// Capture returns a Setter that adds e as a hook on the root logger.
func (e *Entries) Capture() logging.Setter {
	return func(l *logrus.Logger) error {
		l.AddHook(e)
		return nil
	}
}

func (e *Entries) Levels() []logrus.Level { return logrus.AllLevels }

func (e *Entries) Fire(entry *logrus.Entry) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.entries = append(e.entries, entry.Dup())
	return nil
}

// Lines returns the formatted lines of all captured entries.
func (e *Entries) Lines() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	lines := make([]string, 0, len(e.entries))
	for _, entry := range e.entries {
		b, err := (&logrus.TextFormatter{DisableTimestamp: true}).Format(entry)
		if err != nil {
			continue
		}
		lines = append(lines, string(b))
	}
	return lines
}
