// Package hlog prefixes glog output with the name of the object logging it.
package hlog

import (
	"fmt"
	"strings"

	"github.com/golang/glog"
)

type LogLevel int32

// LogOwner is implemented by objects whose log lines carry a prefix,
// usually "[machine-name] ".
type LogOwner interface {
	LogPrefix() string
}

const (
	EXTRA LogLevel = iota
	TRACE
	DEBUG
	INFO
	WARNING
	ERROR
)

// verbosity needed in glog -v for the quiet levels
var verbosity = map[LogLevel]glog.Level{
	EXTRA: 5,
	TRACE: 3,
	DEBUG: 1,
}

func (l LogLevel) String() string {
	switch l {
	case EXTRA:
		return "EXTRA"
	case TRACE:
		return "TRACE"
	case DEBUG:
		return "DEBUG"
	case INFO:
		return "INFO"
	case WARNING:
		return "WARNING"
	case ERROR:
		return "ERROR"
	}
	return fmt.Sprintf("LogLevel(%d)", int32(l))
}

func Log(level LogLevel, args ...interface{}) {
	HLog(level, nil, 1, args...)
}

// HLog logs args at level. When the first arg is a string holding verbs and
// more args follow, it is used as a format.
func HLog(level LogLevel, owner interface{}, depth int, args ...interface{}) {
	l := getLogger(level)
	if l == nil {
		return
	}
	l(depth+1, getPrefix(owner), message(args...))
}

func message(args ...interface{}) string {
	if len(args) > 1 {
		if format, ok := args[0].(string); ok && strings.Contains(format, "%") {
			return fmt.Sprintf(format, args[1:]...)
		}
	}
	return fmt.Sprint(args...)
}

func IsLogLevel(level LogLevel) bool {
	if level >= INFO {
		return true
	}
	v, ok := verbosity[level]
	return ok && bool(glog.V(v))
}

type logFunc func(int, ...interface{})

func getLogger(level LogLevel) logFunc {
	switch level {
	case ERROR:
		return glog.ErrorDepth
	case WARNING:
		return glog.WarningDepth
	case INFO:
		return glog.InfoDepth
	}
	if IsLogLevel(level) {
		return glog.InfoDepth
	}
	return nil
}

func getPrefix(o interface{}) string {
	if lo, ok := o.(LogOwner); ok && lo != nil {
		return lo.LogPrefix()
	}
	return ""
}
