package pipeline

import (
	"context"
	"time"

	"github.com/hupe1980/rtpart/model"
	"github.com/hupe1980/rtpart/source"
)

// IsRecovered reports whether ingestion has caught up with the stream, or
// the pipeline has run for at least the maximum recovery time.
func (p *Pipeline) IsRecovered() bool {
	if p.recovered.Load() {
		return true
	}
	started := p.started.Load()
	if started == 0 {
		return false
	}
	return p.opts.now().Sub(time.Unix(0, started)) >= p.opts.maxRecoverTime
}

// WaitRecovered blocks until IsRecovered or ctx is done.
func (p *Pipeline) WaitRecovered(ctx context.Context) error {
	t := time.NewTicker(p.opts.idle)
	defer t.Stop()
	for !p.IsRecovered() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
	}
	return nil
}

func (p *Pipeline) checkRecovered(ctx context.Context) {
	if p.recovered.Load() {
		return
	}
	p.readerMu.RLock()
	r := p.reader
	p.readerMu.RUnlock()

	oracle, ok := r.(source.PositionOracle)
	if !ok {
		return
	}
	latest, ok := oracle.MaxAvailablePosition(ctx)
	if !ok {
		return
	}
	if caughtUp(latest, p.Locator(), p.opts.maxDelay) {
		p.recovered.Store(true)
		p.logger.Info("realtime recovered", "latest", latest)
	}
}

func caughtUp(latest, ingested model.Locator, maxDelay int64) bool {
	if !latest.Valid() || !ingested.Valid() || latest.SourceID != ingested.SourceID {
		return false
	}
	return latest.Offset-ingested.Offset <= maxDelay
}
