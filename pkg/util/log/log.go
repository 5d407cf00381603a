// Unless explicitly stated otherwise all files in this repository are licensed
// under the Apache License Version 2.0.
// This product includes software developed at Datadog (https://www.datadoghq.com/).
// Copyright 2016-present Datadog, Inc.

// Package log provides the process-wide logger used by every gateway
// component. It wraps seelog behind a small set of package functions so
// callers never hold a logger instance.
package log

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/cihub/seelog"
)

var (
	logger *gatewayLogger

	// This buffer holds log lines emitted before the logger is set up.
	// Even though initializing the logger is one of the first things the
	// gateway does, config loading and secret resolution happen earlier
	// and may want to log.
	//
	// This buffer should be very short lived.
	logsBuffer           = []func(){}
	bufferLogsBeforeInit = true
	bufferMutex          sync.Mutex
	defaultStackDepth    = 3
)

// gatewayLogger is the wrapper structure around seelog
type gatewayLogger struct {
	inner seelog.LoggerInterface
	level seelog.LogLevel
	l     sync.RWMutex
}

// SetupLogger configures the logger singleton with a seelog interface
func SetupLogger(l seelog.LoggerInterface, level string) {
	logger = &gatewayLogger{
		inner: l,
	}

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		lvl = seelog.InfoLvl
	}
	logger.level = lvl

	// We're not going to call the wrapper directly but through the
	// exported functions, which adds two stack frames that must be
	// skipped to report the original caller.
	logger.inner.SetAdditionalStackDepth(defaultStackDepth) //nolint:errcheck

	// Flushing logs since the logger is now initialized
	bufferMutex.Lock()
	bufferLogsBeforeInit = false
	defer bufferMutex.Unlock()
	for _, logLine := range logsBuffer {
		logLine()
	}
	logsBuffer = []func(){}
}

// SetupDefaultLogger installs a console logger at the given level. It is
// used by CLI commands that do not load a logging section from the config.
func SetupDefaultLogger(level string) error {
	return SetupLoggerFromConfig(level, "text")
}

// SetupLoggerFromConfig installs a logger with the given level and format
// ("text" or "json").
func SetupLoggerFromConfig(level, format string) error {
	l, err := seelog.LoggerFromConfigAsString(buildSeelogConfig(level, format))
	if err != nil {
		return err
	}
	SetupLogger(l, level)
	return nil
}

func buildSeelogConfig(level, format string) string {
	lvl := strings.ToLower(level)
	if _, ok := seelog.LogLevelFromString(lvl); !ok {
		lvl = "info"
	}
	msgFormat := `%Date(2006-01-02 15:04:05 MST) | %LEVEL | (%File:%Line) | %Msg%n`
	if format == "json" {
		msgFormat = `{"time":"%Date(2006-01-02T15:04:05.000Z07:00)","level":"%LEVEL","file":"%File","line":"%Line","msg":%QuoteMsg}%n`
	}
	return fmt.Sprintf(
		`<seelog minlevel="%s"><outputs formatid="common"><console/></outputs><formats><format id="common" format=%q/></formats></seelog>`,
		lvl, msgFormat)
}

func addLogToBuffer(logHandle func()) {
	bufferMutex.Lock()
	defer bufferMutex.Unlock()

	logsBuffer = append(logsBuffer, logHandle)
}

func (sw *gatewayLogger) changeLogLevel(level string) error {
	sw.l.Lock()
	defer sw.l.Unlock()

	lvl, ok := seelog.LogLevelFromString(strings.ToLower(level))
	if !ok {
		return errors.New("bad log level")
	}
	sw.level = lvl
	return nil
}

func (sw *gatewayLogger) shouldLog(level seelog.LogLevel) bool {
	sw.l.RLock()
	shouldLog := level >= sw.level
	sw.l.RUnlock()

	return shouldLog
}

// ChangeLogLevel changes the current log level, valid levels are trace, debug,
// info, warn, error and critical.
func ChangeLogLevel(level string) error {
	if logger == nil {
		return errors.New("cannot change loglevel: logger not initialized")
	}
	return logger.changeLogLevel(level)
}

// GetLogLevel returns the current log level
func GetLogLevel() string {
	if logger == nil {
		return "info"
	}
	logger.l.RLock()
	defer logger.l.RUnlock()
	return logger.level.String()
}

func (sw *gatewayLogger) trace(s string) {
	sw.l.RLock()
	defer sw.l.RUnlock()
	sw.inner.Trace(s)
}

func (sw *gatewayLogger) debug(s string) {
	sw.l.RLock()
	defer sw.l.RUnlock()
	sw.inner.Debug(s)
}

func (sw *gatewayLogger) info(s string) {
	sw.l.RLock()
	defer sw.l.RUnlock()
	sw.inner.Info(s)
}

func (sw *gatewayLogger) warn(s string) error {
	sw.l.RLock()
	defer sw.l.RUnlock()
	return sw.inner.Warn(s)
}

func (sw *gatewayLogger) error(s string) error {
	sw.l.RLock()
	defer sw.l.RUnlock()
	return sw.inner.Error(s)
}

func (sw *gatewayLogger) critical(s string) error {
	sw.l.RLock()
	defer sw.l.RUnlock()
	return sw.inner.Critical(s)
}

func formatError(v ...interface{}) error {
	return errors.New(fmt.Sprint(v...))
}

func formatErrorf(format string, params ...interface{}) error {
	return fmt.Errorf(format, params...)
}

// Trace logs at the trace level
func Trace(v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.trace(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Trace(v...) })
	}
}

// Tracef logs with format at the trace level
func Tracef(format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.TraceLvl) {
		logger.trace(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Tracef(format, params...) })
	}
}

// Debug logs at the debug level
func Debug(v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.debug(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Debug(v...) })
	}
}

// Debugf logs with format at the debug level
func Debugf(format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.DebugLvl) {
		logger.debug(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Debugf(format, params...) })
	}
}

// Info logs at the info level
func Info(v ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.info(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Info(v...) })
	}
}

// Infof logs with format at the info level
func Infof(format string, params ...interface{}) {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.InfoLvl) {
		logger.info(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Infof(format, params...) })
	}
}

// Warn logs at the warn level and returns an error containing the formated log message
func Warn(v ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.WarnLvl) {
		return logger.warn(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Warn(v...) }) //nolint:errcheck
	}
	return formatError(v...)
}

// Warnf logs with format at the warn level and returns an error containing the formated log message
func Warnf(format string, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.WarnLvl) {
		return logger.warn(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Warnf(format, params...) }) //nolint:errcheck
	}
	return formatErrorf(format, params...)
}

// Error logs at the error level and returns an error containing the formated log message
func Error(v ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.ErrorLvl) {
		return logger.error(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Error(v...) }) //nolint:errcheck
	}
	return formatError(v...)
}

// Errorf logs with format at the error level and returns an error containing the formated log message
func Errorf(format string, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.ErrorLvl) {
		return logger.error(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Errorf(format, params...) }) //nolint:errcheck
	}
	return formatErrorf(format, params...)
}

// Critical logs at the critical level and returns an error containing the formated log message
func Critical(v ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.CriticalLvl) {
		return logger.critical(fmt.Sprint(v...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Critical(v...) }) //nolint:errcheck
	}
	return formatError(v...)
}

// Criticalf logs with format at the critical level and returns an error containing the formated log message
func Criticalf(format string, params ...interface{}) error {
	if logger != nil && logger.inner != nil && logger.shouldLog(seelog.CriticalLvl) {
		return logger.critical(fmt.Sprintf(format, params...))
	} else if bufferLogsBeforeInit && logger == nil {
		addLogToBuffer(func() { Criticalf(format, params...) }) //nolint:errcheck
	}
	return formatErrorf(format, params...)
}

// Flush flushes the underlying inner log
func Flush() {
	if logger != nil && logger.inner != nil {
		logger.inner.Flush()
	}
}
