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

package drm

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const DefaultDevRoot = "/dev"

// Nodes holds the DRM node names of one PCI function, e.g. card1 and renderD129.
type Nodes struct {
	Card   string
	Render string
}

// ReadNodes lists the drm/ children of a PCI function sysfs directory.
// A function without a drm directory has no nodes.
func ReadNodes(devicePath string) (Nodes, error) {
	entries, err := os.ReadDir(filepath.Join(devicePath, "drm"))
	if err != nil {
		if os.IsNotExist(err) {
			return Nodes{}, nil
		}
		return Nodes{}, fmt.Errorf("read drm nodes: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var nodes Nodes
	for _, name := range names {
		switch {
		case nodes.Render == "" && isNode(name, "renderD"):
			nodes.Render = name
		case nodes.Card == "" && isNode(name, "card"):
			nodes.Card = name
		}
	}
	return nodes, nil
}

// Path returns the device file path of a node under devRoot.
func Path(devRoot, name string) string {
	if name == "" {
		return ""
	}
	if devRoot == "" {
		devRoot = DefaultDevRoot
	}
	return filepath.Join(devRoot, "dri", name)
}

// isNode accepts prefix followed by digits only; connector entries like
// card1-eDP-1 are rejected.
func isNode(name, prefix string) bool {
	rest, ok := strings.CutPrefix(name, prefix)
	if !ok || rest == "" {
		return false
	}
	for i := 0; i < len(rest); i++ {
		if rest[i] < '0' || rest[i] > '9' {
			return false
		}
	}
	return true
}
