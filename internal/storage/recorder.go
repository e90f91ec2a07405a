package storage

import (
	"context"

	"github.com/0xedev/Buster-market/internal/logger"
	"github.com/0xedev/Buster-market/internal/models"
)

// Recorder persists ledger events in the background. Publish never blocks; events
// arriving while the buffer is full are dropped with a warning.
type Recorder struct {
	storage *Storage
	queue   chan models.Event
}

// NewRecorder creates a recorder with room for buffer pending events.
func NewRecorder(s *Storage, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{storage: s, queue: make(chan models.Event, buffer)}
}

// Publish queues e for persistence.
func (r *Recorder) Publish(e models.Event) {
	select {
	case r.queue <- e:
	default:
		logger.Warn("Event log queue full, dropping %s event %s", e.Type, e.ID)
	}
}

// Run writes queued events until ctx is done, then drains what is left.
func (r *Recorder) Run(ctx context.Context) error {
	for {
		select {
		case e := <-r.queue:
			r.write(e)
		case <-ctx.Done():
			for {
				select {
				case e := <-r.queue:
					r.write(e)
				default:
					return nil
				}
			}
		}
	}
}

func (r *Recorder) write(e models.Event) {
	if err := r.storage.AddEvent(e); err != nil {
		logger.Error("Failed to persist event %s: %v", e.ID, err)
	}
}
