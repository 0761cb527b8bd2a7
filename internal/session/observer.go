package session

import (
	"time"

	"github.com/sakif/script-playground/internal/protocol"
)

// Observer is told about session activity. Calls come from session loops
// and must not block.
type Observer interface {
	SessionOpened()
	SessionClosed()
	ContextBooted(took time.Duration)
	BootFailed()
	RunStarted()
	EventRendered(kind protocol.Kind)
	FrameDropped(reason string)
}

// NopObserver ignores everything.
type NopObserver struct{}

func (NopObserver) SessionOpened()              {}
func (NopObserver) SessionClosed()              {}
func (NopObserver) ContextBooted(time.Duration) {}
func (NopObserver) BootFailed()                 {}
func (NopObserver) RunStarted()                 {}
func (NopObserver) EventRendered(protocol.Kind) {}
func (NopObserver) FrameDropped(string)         {}
