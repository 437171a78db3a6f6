package memory

import "time"

// Observer receives operational events from the synthesizer and its
// helpers. observability.Metrics implements it; NopObserver discards.
type Observer interface {
	TurnRecorded(status string)
	ContextAssembled(degraded bool, droppedWindow, droppedRetrieved int, elapsed time.Duration)
	IndexingFailed(reason string)
	StoreFailed(store, op string)
	TurnReindexed()
	TurnsEvicted(n int)
	BacklogSize(n int)
}

// NopObserver implements Observer with no-ops.
type NopObserver struct{}

func (NopObserver) TurnRecorded(string) {}
func (NopObserver) ContextAssembled(bool, int, int, time.Duration) {}
func (NopObserver) IndexingFailed(string) {}
func (NopObserver) StoreFailed(string, string) {}
func (NopObserver) TurnReindexed() {}
func (NopObserver) TurnsEvicted(int) {}
func (NopObserver) BacklogSize(int) {}

var _ Observer = NopObserver{}
