/*
Copyright 2025 Flant JSC

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package trigger

import (
	"context"
	"errors"
	"time"

	"github.com/deckhouse/deckhouse/pkg/log"

	"github.com/Luytan/hybridmanager/pkg/logger"
)

const DefaultQuietPeriod = time.Second

// ErrSkipped is returned by a resync that found another operation holding
// the daemon.
var ErrSkipped = errors.New("resync skipped")

// ResyncFunc realigns the node id block entries with the current DRM nodes.
type ResyncFunc func(ctx context.Context) error

// Resyncer turns device events into resyncs. A burst of events collapses
// into one resync once the sources have been quiet for the quiet period.
// Events whose resync is skipped are dropped: the operation in flight
// re-enumerates the GPUs before it finishes.
type Resyncer struct {
	log         *log.Logger
	quietPeriod time.Duration
}

func NewResyncer(l *log.Logger, quietPeriod time.Duration) *Resyncer {
	if l == nil {
		l = log.NewNop()
	}
	if quietPeriod <= 0 {
		quietPeriod = DefaultQuietPeriod
	}
	return &Resyncer{log: l, quietPeriod: quietPeriod}
}

// Run blocks until ctx is done or a source fails. The first resync happens
// one quiet period after start, since nodes may have been renumbered while
// the daemon was down.
func (r *Resyncer) Run(ctx context.Context, sources []Source, resync ResyncFunc) error {
	eventCh := make(chan struct{}, 1)
	notify := func() {
		select {
		case eventCh <- struct{}{}:
		default:
		}
	}

	errCh := make(chan error, len(sources))
	for _, source := range sources {
		go func() {
			if err := source.Run(ctx, notify); err != nil {
				errCh <- err
			}
		}()
	}

	quiet := time.NewTimer(r.quietPeriod)
	defer quiet.Stop()
	pending := 1

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			return err
		case <-eventCh:
			pending++
			quiet.Reset(r.quietPeriod)
		case <-quiet.C:
			r.resync(ctx, resync, pending)
			pending = 0
		}
	}
}

func (r *Resyncer) resync(ctx context.Context, resync ResyncFunc, events int) {
	err := resync(ctx)
	switch {
	case errors.Is(err, ErrSkipped):
		r.log.Debug("device events dropped, operation in flight", "events", events)
	case err != nil:
		r.log.Error("resync failed", "events", events, logger.SlogErr(err))
	default:
		r.log.Debug("resync done", "events", events)
	}
}
