// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

const snapshotVersion = 1

// snapshot is the persisted topology form.
type snapshot struct {
	Version int     `yaml:"version"`
	Nodes   []Node  `yaml:"nodes"`
	Topics  []Topic `yaml:"topics"`
}

func readSnapshot(path string) (snapshot, error) {
	var snap snapshot

	data, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("failed to read catalog snapshot: %w", err)
	}
	if err := yaml.Unmarshal(data, &snap); err != nil {
		return snap, fmt.Errorf("failed to parse catalog snapshot: %w", err)
	}
	if snap.Version > snapshotVersion {
		return snap, fmt.Errorf("unsupported catalog snapshot version: %d", snap.Version)
	}

	return snap, nil
}

// writeSnapshot rewrites the snapshot atomically via a temp file rename.
func writeSnapshot(path string, snap snapshot) error {
	snap.Version = snapshotVersion

	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal catalog snapshot: %w", err)
	}

	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write catalog snapshot: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to rename catalog snapshot: %w", err)
	}

	return nil
}
