package storage

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"peerchat/internal/models"
)

// PeerWriter batches peer presence upserts behind a queue so the 3-second
// heartbeat from every connected peer does not turn into one synchronous
// disk write per announcement.
type PeerWriter struct {
	writeQ chan peerWriteRequest
	wg     sync.WaitGroup
	stopCh chan struct{}

	writeBatchSize int
	writeFlushFreq time.Duration
}

type peerWriteRequest struct {
	peer *models.PeerRecord
	ctx  context.Context
}

func NewPeerWriter(writeQSize int) *PeerWriter {
	return &PeerWriter{
		writeQ:         make(chan peerWriteRequest, writeQSize),
		stopCh:         make(chan struct{}),
		writeBatchSize: 16,
		writeFlushFreq: 200 * time.Millisecond,
	}
}

func (p *PeerWriter) Start(store *Store) {
	p.wg.Add(1)
	go p.writeWorker(store)
}

// Stop drains the queue and waits for the worker to finish.
func (p *PeerWriter) Stop() {
	close(p.stopCh)
	p.wg.Wait()
}

func (p *PeerWriter) Enqueue(ctx context.Context, peer *models.PeerRecord) error {
	select {
	case p.writeQ <- peerWriteRequest{peer: peer, ctx: ctx}:
		return nil
	default:
		return errors.New("peer writer queue full")
	}
}

func (p *PeerWriter) writeWorker(store *Store) {
	defer p.wg.Done()
	batch := make([]peerWriteRequest, 0, p.writeBatchSize)
	flushTimer := time.NewTimer(p.writeFlushFreq)
	defer flushTimer.Stop()

	flush := func() {
		if len(batch) == 0 {
			return
		}
		// collapse repeated heartbeats for the same peer to the last one;
		// the surviving request keeps its caller's context
		latest := make(map[string]peerWriteRequest, len(batch))
		order := make([]string, 0, len(batch))
		for _, r := range batch {
			key := r.peer.RoomID + "/" + r.peer.PeerUserID
			if _, seen := latest[key]; !seen {
				order = append(order, key)
			}
			latest[key] = r
		}
		for _, key := range order {
			req := latest[key]
			if err := store.UpsertPeer(req.ctx, req.peer); err != nil {
				log.Printf("[STORE] peer write error: %v", err)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-p.stopCh:
			for {
				select {
				case req := <-p.writeQ:
					batch = append(batch, req)
				default:
					flush()
					return
				}
			}
		case req := <-p.writeQ:
			batch = append(batch, req)
			if len(batch) >= p.writeBatchSize {
				flush()
				if !flushTimer.Stop() {
					<-flushTimer.C
				}
				flushTimer.Reset(p.writeFlushFreq)
			}
		case <-flushTimer.C:
			flush()
			flushTimer.Reset(p.writeFlushFreq)
		}
	}
}
