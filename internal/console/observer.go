package console

import (
	"time"

	"github.com/cochaviz/archbox/internal/script"
)

// Observer receives progress notifications from a running session.
// BytesRead is called from the reader goroutine; the other hooks from the
// goroutine that called Run.
type Observer interface {
	StepStarted(index int, step script.Step)
	StepFinished(index int, step script.Step, elapsed time.Duration)
	BytesRead(n int)
	SessionFinished(result Result)
}

type nopObserver struct{}

func (nopObserver) StepStarted(int, script.Step)                 {}
func (nopObserver) StepFinished(int, script.Step, time.Duration) {}
func (nopObserver) BytesRead(int)                                {}
func (nopObserver) SessionFinished(Result)                       {}
