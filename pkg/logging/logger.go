package logging

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"os"
	"sync/atomic"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
)

// currentLevel is the process-wide log level. It is stored atomically since
// watchers log from many Goroutines.
var currentLevel = uint32(LevelInfo)

// SetLevel sets the process-wide log level.
func SetLevel(level Level) {
	atomic.StoreUint32(&currentLevel, uint32(level))
}

// CurrentLevel returns the process-wide log level.
func CurrentLevel() Level {
	return Level(atomic.LoadUint32(&currentLevel))
}

// SetOutput directs all log output to the specified writer. Colorized output
// is only enabled if the writer is a terminal.
func SetOutput(output io.Writer) {
	log.SetOutput(output)
	if file, ok := output.(*os.File); ok {
		color.NoColor = !isatty.IsTerminal(file.Fd()) && !isatty.IsCygwinTerminal(file.Fd())
	} else {
		color.NoColor = true
	}
}

// writer is an io.Writer that splits its input stream into lines and writes
// those lines to an underlying logger.
type writer struct {
	// callback is the logging callback.
	callback func(string)
	// buffer is any incomplete line fragment left over from a previous write.
	buffer []byte
}

// trimCarriageReturn trims any single trailing carriage return from the end of
// a byte slice.
func trimCarriageReturn(buffer []byte) []byte {
	if len(buffer) > 0 && buffer[len(buffer)-1] == '\r' {
		return buffer[:len(buffer)-1]
	}
	return buffer
}

// Write implements io.Writer.Write.
func (w *writer) Write(buffer []byte) (int, error) {
	// Append the data to our internal buffer.
	w.buffer = append(w.buffer, buffer...)

	// Process all complete lines in the buffer.
	var processed int
	remaining := w.buffer
	for {
		index := bytes.IndexByte(remaining, '\n')
		if index == -1 {
			break
		}
		w.callback(string(trimCarriageReturn(remaining[:index])))
		processed += index + 1
		remaining = remaining[index+1:]
	}

	// Shift any leftover fragment to the front of the buffer.
	if processed > 0 {
		leftover := len(w.buffer) - processed
		if leftover > 0 {
			copy(w.buffer[:leftover], w.buffer[processed:])
		}
		w.buffer = w.buffer[:leftover]
	}

	// Done.
	return len(buffer), nil
}

// Logger is the main logger type. It has the novel property that it still
// functions if nil, but it doesn't log anything. It is designed to use the
// standard logger provided by the log package, so it respects any flags and
// output set for that logger. It is safe for concurrent usage.
type Logger struct {
	// prefix is any prefix specified for the logger.
	prefix string
}

// RootLogger is the root logger from which all other loggers derive.
var RootLogger = &Logger{}

// Sublogger creates a new sublogger with the specified name.
func (l *Logger) Sublogger(name string) *Logger {
	// If the logger is nil, then the sublogger will be as well.
	if l == nil {
		return nil
	}

	// Compute the new prefix.
	prefix := name
	if l.prefix != "" {
		prefix = l.prefix + "." + name
	}

	// Create the new logger.
	return &Logger{
		prefix: prefix,
	}
}

// enabled returns whether or not messages at the specified level should be
// emitted.
func (l *Logger) enabled(level Level) bool {
	return l != nil && level <= CurrentLevel()
}

// output is the internal logging method.
func (l *Logger) output(level Level, line string) {
	// Add the level and prefix.
	if l.prefix != "" {
		line = fmt.Sprintf("%s [%s] %s", levelTag(level), l.prefix, line)
	} else {
		line = fmt.Sprintf("%s %s", levelTag(level), line)
	}

	// Log.
	log.Output(5, line)
}

// levelTag returns the (possibly colorized) tag for a message level.
func levelTag(level Level) string {
	switch level {
	case LevelCritical:
		return color.RedString("CRITICAL:")
	case LevelError:
		return color.RedString("ERROR:")
	case LevelWarning:
		return color.YellowString("WARNING:")
	case LevelDebug:
		return "DEBUG:"
	default:
		return "INFO:"
	}
}

// logf formats and emits a message if the level is enabled.
func (l *Logger) logf(level Level, format string, v ...interface{}) {
	if l.enabled(level) {
		l.output(level, fmt.Sprintf(format, v...))
	}
}

// log emits a message if the level is enabled.
func (l *Logger) log(level Level, v ...interface{}) {
	if l.enabled(level) {
		l.output(level, fmt.Sprint(v...))
	}
}

// Critical logs a condition that prevents further operation.
func (l *Logger) Critical(v ...interface{}) {
	l.log(LevelCritical, v...)
}

// Criticalf logs a condition that prevents further operation with semantics
// equivalent to fmt.Printf.
func (l *Logger) Criticalf(format string, v ...interface{}) {
	l.logf(LevelCritical, format, v...)
}

// Error logs error information.
func (l *Logger) Error(v ...interface{}) {
	l.log(LevelError, v...)
}

// Errorf logs error information with semantics equivalent to fmt.Printf.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logf(LevelError, format, v...)
}

// Warn logs warning information.
func (l *Logger) Warn(v ...interface{}) {
	l.log(LevelWarning, v...)
}

// Warnf logs warning information with semantics equivalent to fmt.Printf.
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logf(LevelWarning, format, v...)
}

// Info logs basic execution information.
func (l *Logger) Info(v ...interface{}) {
	l.log(LevelInfo, v...)
}

// Infof logs basic execution information with semantics equivalent to
// fmt.Printf.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.logf(LevelInfo, format, v...)
}

// Debug logs advanced execution information.
func (l *Logger) Debug(v ...interface{}) {
	l.log(LevelDebug, v...)
}

// Debugf logs advanced execution information with semantics equivalent to
// fmt.Printf.
func (l *Logger) Debugf(format string, v ...interface{}) {
	l.logf(LevelDebug, format, v...)
}

// DebugWriter returns an io.Writer that writes lines at debug level. It's
// used to forward subprocess output.
func (l *Logger) DebugWriter() io.Writer {
	// If debugging isn't enabled, then we can just discard input since it won't
	// be logged anyway. This saves us the overhead of scanning lines.
	if !l.enabled(LevelDebug) {
		return io.Discard
	}

	// Create the writer.
	return &writer{
		callback: func(s string) {
			l.Debug(s)
		},
	}
}
