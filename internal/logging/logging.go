// ABOUTME: Process-wide leveled logging backed by op/go-logging
// ABOUTME: Hands out per-module loggers and switches the level from config
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	gologging "github.com/op/go-logging"
)

var (
	syncRoot       sync.Mutex
	backendLeveled gologging.LeveledBackend
)

const textFormat = "%{color}%{time:15:04:05.000} %{module} > %{level:.4s}%{color:reset} %{message}"

const jsonFormat = `{"time":"%{time:2006-01-02T15:04:05.000Z07:00}","module":"%{module}","level":"%{level}","msg":%{message:q}}`

type Logger struct {
	log *gologging.Logger
}

func init() {
	Configure(os.Stdout, INFO, false)
}

// Configure replaces the backend. With json set, every record is written as
// one JSON object per line.
func Configure(w io.Writer, level LogLevel, json bool) {
	syncRoot.Lock()
	defer syncRoot.Unlock()

	format := textFormat
	if json {
		format = jsonFormat
	}
	backend := gologging.NewLogBackend(w, "", 0)
	formatted := gologging.NewBackendFormatter(backend, gologging.MustStringFormatter(format))
	backendLeveled = gologging.AddModuleLevel(formatted)
	backendLeveled.SetLevel(convertLogLevel(level), "")
	gologging.SetBackend(backendLeveled)
}

func SetLevel(level LogLevel) {
	syncRoot.Lock()
	defer syncRoot.Unlock()
	backendLeveled.SetLevel(convertLogLevel(level), "")
}

func Log(module string) Logger {
	return Logger{
		log: gologging.MustGetLogger(module),
	}
}

func (l Logger) Error(msg string, values ...interface{}) {
	l.log.Errorf(msg, values...)
}

func (l Logger) Info(msg string, values ...interface{}) {
	l.log.Infof(msg, values...)
}

func (l Logger) Debug(msg string, values ...interface{}) {
	l.log.Debugf(msg, values...)
}

func (l Logger) Fatal(msg string, values ...interface{}) {
	l.log.Fatal(fmt.Sprintf(msg, values...))
}

func (l Logger) Panic(msg string, values ...interface{}) {
	l.log.Panic(fmt.Sprintf(msg, values...))
}

func convertLogLevel(level LogLevel) gologging.Level {
	switch level {
	case ERROR:
		return gologging.ERROR
	case INFO:
		return gologging.INFO
	case DEBUG:
		return gologging.DEBUG
	default:
		panic(fmt.Sprintf("Unknown LogLevel: %v", level))
	}
}

// ParseLevel maps a config string onto a LogLevel; empty means INFO.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "INFO":
		return INFO, nil
	case "ERROR":
		return ERROR, nil
	case "DEBUG":
		return DEBUG, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}
