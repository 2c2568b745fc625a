package main

import (
	"fmt"
	"os"
	"time"
)

// Logger provides human-readable logging for the init process, written to
// the serial console.
type Logger struct {
	console *os.File
}

// NewLogger creates a logger that writes to the serial console.
// ttyS0 for x86_64, ttyAMA0 for ARM64 (PL011 UART). Falls back to stdout,
// which the kernel has already wired to the console for PID 1.
func NewLogger() *Logger {
	l := &Logger{}
	if f, err := os.OpenFile("/dev/ttyS0", os.O_WRONLY, 0); err == nil {
		l.console = f
	} else if f, err := os.OpenFile("/dev/ttyAMA0", os.O_WRONLY, 0); err == nil {
		l.console = f
	} else {
		l.console = os.Stdout
	}
	return l
}

// Info logs an informational message.
// Format: 2024-12-23T10:15:30Z [INFO] [phase] message
func (l *Logger) Info(phase, msg string) {
	ts := time.Now().UTC().Format(time.RFC3339)
	l.write(fmt.Sprintf("%s [INFO] [%s] %s\n", ts, phase, msg))
}

// Error logs an error message.
func (l *Logger) Error(phase, msg string, err error) {
	ts := time.Now().UTC().Format(time.RFC3339)
	if err != nil {
		l.write(fmt.Sprintf("%s [ERROR] [%s] %s: %v\n", ts, phase, msg, err))
	} else {
		l.write(fmt.Sprintf("%s [ERROR] [%s] %s\n", ts, phase, msg))
	}
}

func (l *Logger) write(line string) {
	if l.console != nil {
		l.console.WriteString(line)
	}
}
