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

package enforce

//go:generate clang -O2 -g -target bpf -c bpf/gpublock.bpf.c -o bpf/gpublock.bpf.o

const (
	// DefaultObjectPath is where packaging installs the compiled program.
	DefaultObjectPath = "/usr/lib/hybridmanager/gpublock.bpf.o"
	// DefaultPinPath is the bpffs directory holding the pinned maps and link.
	DefaultPinPath = "/sys/fs/bpf/hybridmanager"

	programName = "file_open"
	idsMapName  = "blocked_ids"
	pciMapName  = "blocked_pci"
	linkPinName = "file_open_link"
)

// Options configure how the enforcement program is obtained.
type Options struct {
	ObjectPath string
	// PinPath, when set, keeps maps and link pinned so enforcement
	// outlives the daemon.
	PinPath string
}
