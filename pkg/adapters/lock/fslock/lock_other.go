//go:build !linux
// +build !linux

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

package fslock

import (
	"errors"
)

var ErrLocked = errors.New("lock is held by another process")

var errUnsupported = errors.New("file locks are supported on linux only")

type Locker struct{}

func New(string) *Locker { return &Locker{} }

func (l *Locker) TryLock() (func() error, error) { return nil, errUnsupported }
