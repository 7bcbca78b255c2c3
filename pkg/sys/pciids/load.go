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

package pciids

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"strings"
)

// Load parses a pci.ids file.
func Load(path string) (*Database, error) {
	if path == "" {
		return nil, fmt.Errorf("pci.ids path is empty")
	}

	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	db, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return db, nil
}

// LoadFirst loads the first existing database from paths. Missing files are
// not an error: the returned database is nil and names degrade to raw ids.
func LoadFirst(paths []string) (*Database, string, error) {
	for _, path := range paths {
		path = strings.TrimSpace(path)
		if path == "" {
			continue
		}
		db, err := Load(path)
		if err == nil {
			return db, path, nil
		}
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return nil, path, err
	}
	return nil, "", nil
}

// Parse reads vendor and device records. Class and subsystem records are
// skipped.
func Parse(r io.Reader) (*Database, error) {
	db := newDatabase()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	vendor := ""
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		depth := indentDepth(line)
		id, name, ok := splitRecord(line)
		switch {
		case depth == 0 && strings.HasPrefix(line, "C "):
			// Class section: nothing below belongs to a vendor.
			vendor = ""
		case depth == 0:
			if !ok {
				vendor = ""
				continue
			}
			vendor = id
			db.vendors[id] = name
		case depth == 1 && vendor != "" && ok:
			db.devices[deviceKey(vendor, id)] = name
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return db, nil
}

// indentDepth counts tabs; a run of spaces counts as one level.
func indentDepth(line string) int {
	tabs := 0
	for i := 0; i < len(line); i++ {
		switch line[i] {
		case '\t':
			tabs++
		case ' ':
			if tabs == 0 {
				return 1
			}
			return tabs
		default:
			return tabs
		}
	}
	return tabs
}

func splitRecord(line string) (string, string, bool) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return "", "", false
	}
	id := strings.ToLower(fields[0])
	if len(id) != 4 || !isHex(id) {
		return "", "", false
	}
	return id, strings.Join(fields[1:], " "), true
}

func isHex(value string) bool {
	for _, r := range value {
		switch {
		case r >= '0' && r <= '9', r >= 'a' && r <= 'f':
		default:
			return false
		}
	}
	return value != ""
}
