package logging

import (
	"io"
	"io/ioutil"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// SubComponentField names a nested part of a component, ie: the "inbox" of
// the "transport".
const SubComponentField = "subcomponent"

type Setter func(*logrus.Logger) error

var root = struct {
	logger *logrus.Logger
	mutex  *sync.Mutex
}{
	logger: func() *logrus.Logger {
		l := logrus.New()

		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp: true,
		})

		return l
	}(),
	mutex: &sync.Mutex{},
}

type Logger interface {
	logrus.FieldLogger

	Writer() *io.PipeWriter
	WriterLevel(logrus.Level) *io.PipeWriter
}

func New(component string, setters ...Setter) Logger {
	for _, setter := range setters {
		// no errors handling for now
		_ = Set(setter)
	}
	return root.logger.WithField("component", component)
}

func Set(setter Setter) error {
	root.mutex.Lock()
	err := setter(root.logger)
	root.mutex.Unlock()
	return err
}

func Level(lvl string) Setter {
	l, err := logrus.ParseLevel(lvl)
	if err != nil {
		root.logger.WithError(err).Errorf("unable to parse provided level %q", lvl)
		l = logrus.DebugLevel
	}
	return func(r *logrus.Logger) error {
		r.SetLevel(l)
		return nil
	}
}

// Format selects the output encoding, either "text" or "json".
func Format(format string) Setter {
	return func(r *logrus.Logger) error {
		switch strings.ToLower(format) {
		case "", "text":
			r.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		case "json":
			r.SetFormatter(&logrus.JSONFormatter{})
		default:
			r.WithField("format", format).Warn("unknown log format, keeping current")
		}
		return nil
	}
}

// SplitOutput sends error and worse to stderr and everything else to stdout,
// the way journald expects a service to separate them.
func SplitOutput() Setter {
	return func(r *logrus.Logger) error {
		r.SetOutput(ioutil.Discard)
		r.ReplaceHooks(make(logrus.LevelHooks))
		r.AddHook(&splitHook{os.Stdout, []logrus.Level{
			logrus.WarnLevel, logrus.InfoLevel, logrus.DebugLevel, logrus.TraceLevel}})
		r.AddHook(&splitHook{os.Stderr, []logrus.Level{
			logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel}})
		return nil
	}
}

// splitHook directs matched levels to its configured output.
type splitHook struct {
	output io.Writer
	levels []logrus.Level
}

func (hook *splitHook) Fire(entry *logrus.Entry) error {
	line, err := entry.Bytes()
	if err != nil {
		return err
	}
	_, err = hook.output.Write(line)
	return err
}

func (hook *splitHook) Levels() []logrus.Level {
	return hook.levels
}
