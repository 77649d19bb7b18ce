// Copyright 2025 OneKey
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package utils

import (
	"fmt"
	"os"
	"path/filepath"
)

// EnsureDir creates dir (and missing parents) and returns its path.
//
// Used for the file upload storage root ({data_dir}/files/{batch_id})
// and the spool directory the ingest watcher observes.
func EnsureDir(dir string) (string, error) {
	if dir == "" {
		return "", fmt.Errorf("directory path is empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create directory '%s': %w", dir, err)
	}
	return dir, nil
}

// BaseFilename strips any directory components from a client-supplied
// filename. Uploaded names feed storage paths and file:// page URLs, so
// traversal segments must not survive.
func BaseFilename(name string) string {
	base := filepath.Base(name)
	if base == "." || base == string(filepath.Separator) {
		return ""
	}
	return base
}
