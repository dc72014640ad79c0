package go_func_utils

import (
	"log"
	"runtime/debug"
)

// SafeGo runs fn on a new goroutine. A panic is written to logger with its stack
// before being re-raised, so crashes behind the dashboard still reach the log file.
func SafeGo(logger *log.Logger, fn func()) {
	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Printf("PANIC: %v\n%s", r, debug.Stack())
				panic(r)
			}
		}()
		fn()
	}()
}

// Guard runs fn on the calling goroutine and swallows a panic after logging it.
// Returns true when fn panicked. Used by periodic tasks that must survive one bad iteration.
func Guard(logger *log.Logger, name string, fn func()) (panicked bool) {
	defer func() {
		if r := recover(); r != nil {
			logger.Printf("%s: recovered from panic: %v\n%s", name, r, debug.Stack())
			panicked = true
		}
	}()
	fn()
	return false
}
