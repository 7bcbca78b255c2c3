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
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deckhouse/deckhouse/pkg/log"
	"github.com/fsnotify/fsnotify"

	"github.com/Luytan/hybridmanager/pkg/logger"
)

// DevNodes watches a DRM device directory for card and render nodes being
// created or removed.
type DevNodes struct {
	dir string
	log *log.Logger
}

// NewDevNodes watches dir, usually <dev_root>/dri.
func NewDevNodes(log *log.Logger, dir string) *DevNodes {
	return &DevNodes{dir: dir, log: log}
}

func (d *DevNodes) Run(ctx context.Context, notify NotifyFunc) error {
	if _, err := os.Stat(d.dir); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if d.log != nil {
				d.log.Info("drm node directory is missing, node watcher disabled", "dir", d.dir)
			}
			<-ctx.Done()
			return nil
		}
		return fmt.Errorf("stat %s: %w", d.dir, err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(d.dir); err != nil {
		return fmt.Errorf("watch %s: %w", d.dir, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if isNodeEvent(event) {
				notify()
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if d.log != nil {
				d.log.Warn("drm node watcher error", "dir", d.dir, logger.SlogErr(err))
			}
		}
	}
}

func isNodeEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return false
	}
	name := filepath.Base(event.Name)
	return strings.HasPrefix(name, "card") || strings.HasPrefix(name, "renderD")
}
