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

package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/Luytan/hybridmanager/pkg/domain"
)

// Store persists the daemon checkpoint in a single JSON file.
type Store struct {
	path string
}

// New constructs a file-based checkpoint store.
func New(path string) *Store {
	return &Store{path: path}
}

// Load reads the checkpoint. A missing or empty file yields an empty one.
func (s *Store) Load(_ context.Context) (domain.Checkpoint, error) {
	empty := domain.Checkpoint{Version: domain.CheckpointVersion}
	if s == nil || s.path == "" {
		return empty, errors.New("checkpoint path is not configured")
	}
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return empty, nil
		}
		return empty, fmt.Errorf("read checkpoint: %w", err)
	}
	if len(data) == 0 {
		return empty, nil
	}
	var checkpoint domain.Checkpoint
	if err := json.Unmarshal(data, &checkpoint); err != nil {
		return empty, fmt.Errorf("decode checkpoint: %w", err)
	}
	if checkpoint.Version > domain.CheckpointVersion {
		return empty, fmt.Errorf("checkpoint version %d is newer than supported %d", checkpoint.Version, domain.CheckpointVersion)
	}
	checkpoint.Version = domain.CheckpointVersion
	return checkpoint, nil
}

// Save writes the checkpoint atomically and syncs it before the rename.
func (s *Store) Save(_ context.Context, checkpoint domain.Checkpoint) error {
	if s == nil || s.path == "" {
		return errors.New("checkpoint path is not configured")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("ensure checkpoint dir: %w", err)
	}
	checkpoint.Version = domain.CheckpointVersion
	data, err := json.MarshalIndent(checkpoint, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	return writeAtomically(s.path, data, 0o600)
}

// Update loads, mutates and saves the checkpoint.
func (s *Store) Update(ctx context.Context, mutate func(*domain.Checkpoint)) error {
	checkpoint, err := s.Load(ctx)
	if err != nil {
		return err
	}
	mutate(&checkpoint)
	return s.Save(ctx, checkpoint)
}

func writeAtomically(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()
	if err := tmp.Chmod(perm); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	return nil
}
