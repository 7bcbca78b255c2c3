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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
)

func TestIsNodeEvent(t *testing.T) {
	t.Parallel()

	cases := []struct {
		event fsnotify.Event
		want  bool
	}{
		{fsnotify.Event{Name: "/dev/dri/renderD129", Op: fsnotify.Create}, true},
		{fsnotify.Event{Name: "/dev/dri/card1", Op: fsnotify.Remove}, true},
		{fsnotify.Event{Name: "/dev/dri/card1", Op: fsnotify.Chmod}, false},
		{fsnotify.Event{Name: "/dev/dri/by-path", Op: fsnotify.Create}, false},
	}
	for _, tc := range cases {
		if got := isNodeEvent(tc.event); got != tc.want {
			t.Fatalf("%s: expected %v, got %v", tc.event, tc.want, got)
		}
	}
}

func TestDevNodesNotifiesOnNewNode(t *testing.T) {
	dir := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notified := make(chan struct{}, 10)
	done := make(chan error, 1)
	go func() {
		done <- NewDevNodes(nil, dir).Run(ctx, func() { notified <- struct{}{} })
	}()

	deadline := time.After(5 * time.Second)
	for i := 0; ; i++ {
		// the watch may not be registered yet, so keep creating nodes
		if err := os.WriteFile(filepath.Join(dir, "renderD"+string(rune('a'+i%26))), nil, 0o644); err != nil {
			t.Fatalf("write node: %v", err)
		}
		select {
		case <-notified:
			cancel()
			if err := <-done; err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			return
		case <-deadline:
			t.Fatal("no notification for a new render node")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestDevNodesMissingDirectoryWaits(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := NewDevNodes(nil, filepath.Join(t.TempDir(), "dri")).Run(ctx, func() {
		t.Error("unexpected notification")
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
