package pipeline

import (
	"time"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/raster"
)

// TileStats counts the pixels of a tile by outcome. Every pixel is counted
// exactly once.
type TileStats struct {
	Classified   int `json:"classified"`
	Unclassified int `json:"unclassified"` // best match rejected by the threshold
	NoData       int `json:"no_data"`
	Insufficient int `json:"insufficient_bands"`
}

// Add accumulates o into s.
func (s *TileStats) Add(o TileStats) {
	s.Classified += o.Classified
	s.Unclassified += o.Unclassified
	s.NoData += o.NoData
	s.Insufficient += o.Insufficient
}

// Pixels returns the total pixel count.
func (s TileStats) Pixels() int {
	return s.Classified + s.Unclassified + s.NoData + s.Insufficient
}

// Event is a progress event emitted by a Pipeline.
type Event interface {
	event()
}

// TileStarted is emitted when a worker begins a tile.
type TileStarted struct {
	Index  int
	Region raster.Region
}

// TileCompleted is emitted once a tile is written and recorded.
type TileCompleted struct {
	Index   int
	Region  raster.Region
	Elapsed time.Duration
	Stats   TileStats
}

// RunCompleted is emitted when every tile is complete.
type RunCompleted struct {
	RunID     string
	TileCount int
	Skipped   int
	Elapsed   time.Duration
	Stats     TileStats
}

// RunFailed is emitted when a run ends without completing, including by
// cancellation. TileIndex is the failing tile or -1; Cursor is the number of
// leading tiles that are complete.
type RunFailed struct {
	RunID     string
	Reason    error
	Kind      errs.Kind
	TileIndex int
	Cursor    int
}

func (TileStarted) event()   {}
func (TileCompleted) event() {}
func (RunCompleted) event()  {}
func (RunFailed) event()     {}

// Observer receives progress events. Events are delivered one at a time
// from worker goroutines, so Observe must not block for long.
type Observer interface {
	Observe(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(e Event) { f(e) }

// Observers fans events out to several observers in order.
type Observers []Observer

// Observe implements Observer.
func (obs Observers) Observe(e Event) {
	for _, o := range obs {
		if o != nil {
			o.Observe(e)
		}
	}
}
