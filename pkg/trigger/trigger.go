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
	"bytes"
	"context"
	"strings"
)

// NotifyFunc signals that the host device topology may have changed.
type NotifyFunc func()

// Source emits notifications until ctx is done.
type Source interface {
	Run(ctx context.Context, notify NotifyFunc) error
}

// DefaultSubsystems are the uevent subsystems that can renumber or rebind
// a GPU.
var DefaultSubsystems = []string{"pci", "drm"}

// parseUEvent splits a kernel uevent datagram into its KEY=VALUE pairs.
// The leading "action@devpath" header and malformed entries are skipped.
func parseUEvent(payload []byte) map[string]string {
	env := map[string]string{}
	for _, field := range bytes.Split(payload, []byte{0}) {
		key, value, ok := strings.Cut(string(field), "=")
		if !ok || key == "" {
			continue
		}
		env[key] = value
	}
	return env
}

func matchSubsystem(env map[string]string, subsystems []string) bool {
	subsystem := env["SUBSYSTEM"]
	for _, s := range subsystems {
		if s == subsystem {
			return true
		}
	}
	return false
}
