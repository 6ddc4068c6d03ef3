// Package monitoring holds the diagnostic logging hook and phase timers
// shared by the analysis pipeline, the job worker and the HTTP server.
package monitoring

import (
	"log"
	"time"
)

// Logf is the package-level diagnostic logger. It defaults to log.Printf and
// can be swapped with SetLogger, e.g. to silence analysis runs in tests.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces Logf. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}

// Stopwatch measures consecutive named phases of a run, such as path
// generation followed by grid intersection.
type Stopwatch struct {
	prefix string
	start  time.Time
	last   time.Time
	now    func() time.Time
}

// NewStopwatch starts a stopwatch whose log lines begin with prefix.
func NewStopwatch(prefix string) *Stopwatch {
	return newStopwatch(prefix, time.Now)
}

func newStopwatch(prefix string, now func() time.Time) *Stopwatch {
	t := now()
	return &Stopwatch{prefix: prefix, start: t, last: t, now: now}
}

// Lap records the time since the previous lap under name, logs it and
// returns it.
func (s *Stopwatch) Lap(name string) time.Duration {
	t := s.now()
	d := t.Sub(s.last)
	s.last = t
	Logf("%s %s time: %.3fs", s.prefix, name, d.Seconds())
	return d
}

// Elapsed returns the time since the stopwatch started.
func (s *Stopwatch) Elapsed() time.Duration {
	return s.now().Sub(s.start)
}
