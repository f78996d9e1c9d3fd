package engine

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LoggerService provides logging for the engine and everything built on it.
// Info/Debug go to stdout only when the corresponding flag is set; Warn and
// Error always print. Every level is mirrored to the log file if one is
// configured.
type LoggerService struct {
	Verbose   bool   // print Info to stdout
	DebugMode bool   // print Debug to stdout
	LogFile   string // optional path, append mode

	initOnce   sync.Once
	fileLogger *log.Logger
	file       *os.File
	mutex      sync.Mutex
}

func (l *LoggerService) initLogger() {
	if l.LogFile == "" {
		return
	}
	if err := os.MkdirAll(filepath.Dir(l.LogFile), 0755); err != nil {
		fmt.Printf("Logger initialization error: %v\n", err)
		return
	}
	file, err := os.OpenFile(l.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		fmt.Printf("Logger initialization error: %v\n", err)
		return
	}
	l.file = file
	l.fileLogger = log.New(file, "", 0)
}

func (l *LoggerService) logToFile(level, format string, args ...interface{}) {
	l.initOnce.Do(l.initLogger)
	if l.fileLogger == nil {
		return
	}
	l.mutex.Lock()
	defer l.mutex.Unlock()
	timestamp := time.Now().Format("2006-01-02 15:04:05.000")
	message := fmt.Sprintf(format, args...)
	l.fileLogger.Printf("%s [%d] %s - %s", timestamp, os.Getpid(), level, message)
}

// Debug logs debug-level messages
func (l *LoggerService) Debug(format string, args ...interface{}) {
	if l.DebugMode {
		fmt.Printf("[DEBUG] "+format+"\n", args...)
	}
	l.logToFile("DEBUG", format, args...)
}

// Info logs informational messages
func (l *LoggerService) Info(format string, args ...interface{}) {
	if l.Verbose {
		fmt.Printf("[INFO] "+format+"\n", args...)
	}
	l.logToFile("INFO", format, args...)
}

// Warn logs warning messages
func (l *LoggerService) Warn(format string, args ...interface{}) {
	fmt.Printf("[WARN] "+format+"\n", args...)
	l.logToFile("WARN", format, args...)
}

// Error logs error messages
func (l *LoggerService) Error(format string, args ...interface{}) {
	fmt.Printf("[ERROR] "+format+"\n", args...)
	l.logToFile("ERROR", format, args...)
}

// Close flushes and closes the log file, if any.
func (l *LoggerService) Close() error {
	l.mutex.Lock()
	defer l.mutex.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	l.fileLogger = nil
	return err
}
