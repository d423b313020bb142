package logger

import (
	"fmt"
	"strings"
	"sync"

	"github.com/fatih/color"
)

type LogStatus int

const (
	VERBOSE LogStatus = iota
	DEBUG
	INFO
	SUCCESS
	NEW
	REMOVE
	STOP
	WARNING
	ERROR
	FATAL
)

func (e LogStatus) String() string {
	return []string{
		"V",
		"D",
		"I",
		"✓",
		"+",
		"-",
		"X",
		"!",
		"!!",
		"PANIC",
	}[e]
}

func (e LogStatus) Level() int { return int(e) }

func (e LogStatus) Color() *color.Color {
	return []*color.Color{
		color.New(color.FgWhite, color.Italic),                // Verbose
		color.New(color.FgWhite, color.Italic),                // Debug
		color.New(color.FgWhite),                              // Info
		color.New(color.FgHiGreen),                            // Success
		color.New(color.FgGreen, color.Italic),                // New
		color.New(color.FgYellow, color.Italic),               // Remove
		color.New(color.FgHiYellow),                           // Stop
		color.New(color.FgYellow, color.Underline),            // Warning
		color.New(color.FgHiRed, color.Bold),                  // Error
		color.New(color.FgHiRed, color.Bold, color.Underline), // Panic
	}[e]
}

type Logger interface {
	Emit(LogStatus, string, ...interface{})
	Verbosef(string, ...interface{})
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warnf(string, ...interface{})
	Errorf(string, ...interface{})
}

type loggerImpl struct {
	name string
}

func (l *loggerImpl) Emit(status LogStatus, message string, interpolations ...interface{}) {
	Log.Emit(status, l.name, message, interpolations...)
}

func (l *loggerImpl) Verbosef(message string, interpolations ...interface{}) {
	l.Emit(VERBOSE, message, interpolations...)
}

func (l *loggerImpl) Debugf(message string, interpolations ...interface{}) {
	l.Emit(DEBUG, message, interpolations...)
}

func (l *loggerImpl) Infof(message string, interpolations ...interface{}) {
	l.Emit(INFO, message, interpolations...)
}

func (l *loggerImpl) Warnf(message string, interpolations ...interface{}) {
	l.Emit(WARNING, message, interpolations...)
}

func (l *loggerImpl) Errorf(message string, interpolations ...interface{}) {
	l.Emit(ERROR, message, interpolations...)
}

type LoggerManager interface {
	GetLogger(string) Logger
	Emit(LogStatus, string, string, ...interface{})
}

var Log LoggerManager = &loggerMgr{
	offset:   0,
	minLevel: INFO.Level(),
}

type loggerMgr struct {
	sync.Mutex
	offset   int
	minLevel int
}

func (l *loggerMgr) GetLogger(name string) Logger {
	return &loggerImpl{name: name}
}

func (l *loggerMgr) Emit(status LogStatus, name string, message string, interpolations ...interface{}) {
	l.Lock()
	defer l.Unlock()

	if status.Level() < l.minLevel {
		return
	}

	l.setNameOffset(len(name))
	padding := strings.Repeat(" ", l.offset-len(name))
	msg := fmt.Sprintf("[%s] %s(%s) %s", name, padding, status, fmt.Sprintf(message, interpolations...))

	status.Color().Print(msg)
}

func (l *loggerMgr) setNameOffset(offset int) {
	if offset > l.offset {
		l.offset = offset
	}
}

// SetMinLoggingLevel adjusts the threshold below which emitted log
// messages are dropped. Mainly useful for silencing log output during
// test runs, or enabling verbose output while debugging.
func SetMinLoggingLevel(level int) {
	if mgr, ok := Log.(*loggerMgr); ok {
		mgr.Lock()
		defer mgr.Unlock()
		mgr.minLevel = level
	}
}

func Get(name string) Logger {
	return Log.GetLogger(name)
}
