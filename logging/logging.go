// Package logging provides caller-annotated logrus logging.
package logging

import (
	"fmt"
	"runtime"
	"strings"

	log "github.com/sirupsen/logrus"
)

// Identify the calling function.
//
// The package path is trimmed to the last element to keep log lines short.
func identifyCaller(skip int) string {
	pc, _, _, ok := runtime.Caller(skip)
	if !ok {
		return "<unknown>"
	}

	fn := runtime.FuncForPC(pc)
	if fn == nil {
		return "<unknown>"
	}

	name := fn.Name()
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}

	return name
}

func annotate(skip int, msg string) string {
	return fmt.Sprintf("[%s] %s", identifyCaller(skip+1), msg)
}

// Set the log level by name.
//
// Accepts any level understood by logrus, e.g. "debug" or "warning".
func SetLevel(level string) error {
	lvl, err := log.ParseLevel(level)
	if err != nil {
		return err
	}

	log.SetLevel(lvl)
	return nil
}

func Debug(args ...interface{}) {
	log.Debug(annotate(2, fmt.Sprint(args...)))
}

func Debugf(format string, args ...interface{}) {
	log.Debug(annotate(2, fmt.Sprintf(format, args...)))
}

func Info(args ...interface{}) {
	log.Info(annotate(2, fmt.Sprint(args...)))
}

func Infof(format string, args ...interface{}) {
	log.Info(annotate(2, fmt.Sprintf(format, args...)))
}

func Warn(args ...interface{}) {
	log.Warn(annotate(2, fmt.Sprint(args...)))
}

func Warnf(format string, args ...interface{}) {
	log.Warn(annotate(2, fmt.Sprintf(format, args...)))
}

func Error(args ...interface{}) {
	log.Error(annotate(2, fmt.Sprint(args...)))
}

func Errorf(format string, args ...interface{}) {
	log.Error(annotate(2, fmt.Sprintf(format, args...)))
}

// Fields attached to a structured log entry.
type Fields = log.Fields

// Structured entry.
//
// Returns a logrus entry carrying the given fields and the caller annotation.
func WithFields(fields Fields) *log.Entry {
	return log.WithFields(fields).WithField("caller", identifyCaller(2))
}

// Printf logger.
//
// Adapts logrus to client libraries that log through a single Printf method,
// such as the ZooKeeper client.
type printfLogger struct {
	component string
}

func (l printfLogger) Printf(format string, args ...interface{}) {
	log.WithField("component", l.component).Debugf(format, args...)
}

// Logger for a component that expects a Printf-style logger.
func PrintfLogger(component string) interface {
	Printf(format string, args ...interface{})
} {
	return printfLogger{component: component}
}
