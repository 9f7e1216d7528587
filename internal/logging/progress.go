package logging

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ironsheep/mineral-classify/internal/errs"
	"github.com/ironsheep/mineral-classify/internal/pipeline"
)

// ProgressObserver logs pipeline events. Tile starts are logged at debug.
// Tile completions are logged at info at most once per interval and at debug
// otherwise.
type ProgressObserver struct {
	log   *zap.Logger
	every time.Duration

	mu   sync.Mutex
	done int
	last time.Time
	now  func() time.Time
}

// NewProgressObserver returns an observer logging to log. every limits
// info-level tile lines; zero logs every tile.
func NewProgressObserver(log *zap.Logger, every time.Duration) *ProgressObserver {
	if log == nil {
		log = zap.NewNop()
	}
	return &ProgressObserver{log: log.Named("progress"), every: every, now: time.Now}
}

// Observe implements pipeline.Observer.
func (p *ProgressObserver) Observe(e pipeline.Event) {
	switch ev := e.(type) {
	case pipeline.TileStarted:
		p.log.Debug("tile started", zap.Int("tile", ev.Index), zap.Stringer("region", ev.Region))

	case pipeline.TileCompleted:
		p.mu.Lock()
		now := p.now()
		p.done++
		done := p.done
		loud := p.every == 0 || now.Sub(p.last) >= p.every
		if loud {
			p.last = now
		}
		p.mu.Unlock()

		fields := []zap.Field{
			zap.Int("tile", ev.Index),
			zap.Int("tiles_done", done),
			zap.Duration("elapsed", ev.Elapsed),
			zap.Int("classified", ev.Stats.Classified),
			zap.Int("unclassified", ev.Stats.Unclassified),
			zap.Int("no_data", ev.Stats.NoData),
			zap.Int("insufficient", ev.Stats.Insufficient),
		}
		if loud {
			p.log.Info("tile completed", fields...)
		} else {
			p.log.Debug("tile completed", fields...)
		}

	case pipeline.RunCompleted:
		p.log.Info("run completed",
			zap.String("run_id", ev.RunID),
			zap.Int("tiles", ev.TileCount),
			zap.Int("skipped", ev.Skipped),
			zap.Duration("elapsed", ev.Elapsed),
			zap.Int("classified", ev.Stats.Classified),
			zap.Int("unclassified", ev.Stats.Unclassified),
			zap.Int("no_data", ev.Stats.NoData),
			zap.Int("insufficient", ev.Stats.Insufficient),
		)

	case pipeline.RunFailed:
		fields := []zap.Field{
			zap.String("run_id", ev.RunID),
			zap.String("kind", string(ev.Kind)),
			zap.Int("cursor", ev.Cursor),
			zap.Error(ev.Reason),
		}
		if ev.TileIndex >= 0 {
			fields = append(fields, zap.Int("tile", ev.TileIndex))
		}
		if ev.Kind == errs.KindCancelled {
			p.log.Warn("run cancelled, resume to continue", fields...)
			return
		}
		p.log.Error("run failed", fields...)
	}
}
