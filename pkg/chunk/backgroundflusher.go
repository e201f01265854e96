package chunk

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/kisekifs/kiseki/internal/logger"
	"github.com/kisekifs/kiseki/pkg/metrics"
)

// BackgroundFlusher is the single long-running consumer of one
// FileWriter's flush request channel. Every request kind is handled by
// spawning a detached goroutine so the flusher's own loop never blocks on
// an upload.
type BackgroundFlusher struct {
	fw    *FileWriter
	reqCh chan *FlushReq
	m     metrics.Metrics
}

func newBackgroundFlusher(ctx context.Context, fw *FileWriter, queueSize int) *BackgroundFlusher {
	if queueSize <= 0 {
		queueSize = 10
	}
	bf := &BackgroundFlusher{fw: fw, reqCh: make(chan *FlushReq, queueSize), m: metrics.New()}
	go bf.run(ctx)
	return bf
}

// Submit enqueues a flush request, blocking if the queue is full.
func (bf *BackgroundFlusher) Submit(req *FlushReq) {
	bf.reqCh <- req
}

func (bf *BackgroundFlusher) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-bf.reqCh:
			bf.dispatch(ctx, req)
		}
	}
}

func (bf *BackgroundFlusher) dispatch(ctx context.Context, req *FlushReq) {
	switch req.Kind {
	case ReqFlushBulk:
		go bf.handleFlushBulk(ctx, req)
	case ReqFlushFull:
		go bf.handleFlushFull(ctx, req)
	case ReqManualFlush:
		go bf.handleManualFlush(ctx, req)
	}
}

func (bf *BackgroundFlusher) handleFlushBulk(ctx context.Context, req *FlushReq) {
	bf.recordRequest("bulk")
	start := time.Now()
	if err := req.SW.FlushBulk(ctx, req.Offset); err != nil {
		logger.Warn("backgroundflusher: bulk flush failed, will retry on next request",
			"inode", bf.fw.inode, "slice_seq", req.SW.InternalSeq(), "err", err)
	}
	bf.recordLatency("bulk", time.Since(start))
	bf.fw.RemoveDoneSliceWriter()
}

func (bf *BackgroundFlusher) handleFlushFull(ctx context.Context, req *FlushReq) {
	bf.recordRequest("full")
	start := time.Now()
	if err := req.SW.Flush(ctx); err != nil {
		logger.Error("backgroundflusher: full flush failed",
			"inode", bf.fw.inode, "slice_seq", req.SW.InternalSeq(), "err", err)
	}
	bf.recordLatency("full", time.Since(start))
	req.SW.MarkDone()
	bf.fw.RemoveDoneSliceWriter()
}

func (bf *BackgroundFlusher) handleManualFlush(ctx context.Context, req *FlushReq) {
	bf.recordRequest("manual")
	for _, sw := range req.SWs {
		go func(sw *SliceWriter) {
			start := time.Now()
			if err := sw.Flush(ctx); err != nil {
				logger.Error("backgroundflusher: manual flush failed",
					"inode", bf.fw.inode, "slice_seq", sw.InternalSeq(), "err", err)
			}
			bf.recordLatency("manual", time.Since(start))
			sw.MarkDone()
			req.Remain.Add(-1)
			select {
			case req.Notify <- struct{}{}:
			default:
			}
		}(sw)
	}

	// Terminal sweep: wait for every slice writer in this batch to finish,
	// then remove whatever became done from the FileWriter's map.
	go func() {
		for _, sw := range req.SWs {
			select {
			case <-sw.DoneNotify():
			case <-ctx.Done():
				return
			}
		}
		bf.fw.RemoveDoneSliceWriter()
	}()
}

func (bf *BackgroundFlusher) recordRequest(kind string) {
	if bf.m != nil {
		bf.m.ObserveFlushRequest(kind)
	}
}

func (bf *BackgroundFlusher) recordLatency(kind string, d time.Duration) {
	if bf.m != nil {
		bf.m.ObserveFlushLatency(kind, d.Seconds())
	}
}
