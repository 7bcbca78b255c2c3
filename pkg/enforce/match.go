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

// Verdict is the outcome of the file-open check.
type Verdict int

const (
	Allow Verdict = iota
	// Deny makes the file look absent (ENOENT).
	Deny
)

func (v Verdict) String() string {
	if v == Deny {
		return "deny"
	}
	return "allow"
}

const (
	nameBufSize = 8
	idBufSize   = 4
	idDigits    = 3
	addrLen     = 12
)

// Decide evaluates one file open the way the kernel program does: name is
// the base name of the opened file, parent the base name of its directory.
// Every read goes through a fixed-size buffer and unknown shapes are allowed.
func Decide(name, parent string, lookup Lookup) Verdict {
	if name == "" {
		return Allow
	}

	var buf [nameBufSize]byte
	readStr(buf[:], name)

	switch {
	case hasPrefix(buf[:], "renderD"):
		if id, ok := parseID(name[len("renderD"):]); ok && lookup.BlockedID(id) {
			return Deny
		}
	case hasPrefix(buf[:], "card"):
		if id, ok := parseID(name[len("card"):]); ok && lookup.BlockedID(id) {
			return Deny
		}
	case hasPrefix(buf[:], "config") && buf[len("config")] == 0:
		if parent == "" {
			return Allow
		}
		var key PCIKey
		readStr(key[:], parent)
		if key[4] != ':' || key[7] != ':' || key[10] != '.' || key[addrLen] != 0 {
			return Allow
		}
		if lookup.BlockedAddress(key) {
			return Deny
		}
	}
	return Allow
}

// readStr copies at most len(dst)-1 bytes of s and NUL-terminates dst.
func readStr(dst []byte, s string) {
	n := copy(dst[:len(dst)-1], s)
	dst[n] = 0
}

func hasPrefix(buf []byte, prefix string) bool {
	for i := 0; i < len(prefix); i++ {
		if buf[i] != prefix[i] {
			return false
		}
	}
	return true
}

// parseID reads up to three leading decimal digits.
func parseID(s string) (uint32, bool) {
	var buf [idBufSize]byte
	readStr(buf[:], s)

	var id uint32
	matched := false
	for i := 0; i < idDigits; i++ {
		c := buf[i]
		if c < '0' || c > '9' {
			break
		}
		id = id*10 + uint32(c-'0')
		matched = true
	}
	return id, matched
}
