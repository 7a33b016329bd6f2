package ha

import (
	"errors"
	"sync"
	"time"

	"github.com/dmontag/arbordb/pkg/datasource"
	"github.com/dmontag/arbordb/pkg/logging"
)

// Puller polls pull_updates on a configurable interval so follower reads
// see recent writes. It stops cooperatively on shutdown or role change.
type Puller struct {
	s        *Supervisor
	interval time.Duration

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func newPuller(s *Supervisor, interval time.Duration) *Puller {
	return &Puller{s: s, interval: interval, stopCh: make(chan struct{})}
}

// Start launches the pull loop.
func (p *Puller) Start() {
	p.wg.Add(1)
	go p.loop()
}

// Stop halts the loop and waits for it.
func (p *Puller) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Puller) loop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			if err := p.s.PullUpdates(); err != nil {
				// Gaps resolve on the next pull; everything else goes to
				// the failure path.
				if errors.Is(err, datasource.ErrTxGap) {
					continue
				}
				p.s.logger.Warn("pull failed", logging.Error(err))
				p.s.asyncFailure(err)
				return
			}
		}
	}
}
