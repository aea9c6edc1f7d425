package persist

import (
	"context"
	"sync"
	"time"
)

// flushWorker periodically flushes the pending buffers. It triggers a flush
// when:
//   - buffered writes >= threshold, OR
//   - time.Since(lastFlush) >= interval (and the buffer is non-empty)
//
// On Stop(), a final flush is performed before returning.
type flushWorker struct {
	svc       *Service
	threshold int
	interval  time.Duration
	checkTick time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

func newFlushWorker(svc *Service, threshold int, interval, checkTick time.Duration) *flushWorker {
	return &flushWorker{
		svc:       svc,
		threshold: threshold,
		interval:  interval,
		checkTick: checkTick,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (w *flushWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker to stop and performs a final flush. Blocks until
// the goroutine exits.
func (w *flushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *flushWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.checkTick)
	defer ticker.Stop()

	lastFlush := time.Now()

	for {
		select {
		case <-w.stopCh:
			w.doFlush()
			return
		case <-ticker.C:
			buffered := w.svc.buf.Len()
			if buffered == 0 {
				continue
			}
			if buffered >= w.threshold || time.Since(lastFlush) >= w.interval {
				w.doFlush()
				lastFlush = time.Now()
			}
		}
	}
}

func (w *flushWorker) doFlush() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.svc.ProcessPendingEvents(ctx); err != nil {
		w.svc.logger.WithError(err).Errorf("flush failed (buffers re-merged)")
	}
}
