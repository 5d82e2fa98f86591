// Package logging provides one *log.Logger per component, grounded on
// pkg/consensus/health_monitor.go's logger field and the log.Printf call
// sites scattered across the teacher's pkg/anchor and pkg/consensus
// packages. The teacher never imports a structured logger, so this stays
// on stdlib log rather than adding a dependency the pack doesn't use.
package logging

import (
	"io"
	"log"
	"os"
)

// Output is where every component logger writes; tests may redirect it.
var Output io.Writer = os.Stderr

// New returns a *log.Logger tagged with component, matching the
// "[ComponentName] " prefix style of health_monitor.go.
func New(component string) *log.Logger {
	return log.New(Output, "["+component+"] ", log.LstdFlags)
}
