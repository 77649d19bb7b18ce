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
	"encoding/hex"

	"github.com/google/uuid"
)

// NewID returns prefix joined by an underscore to the first n hex
// characters of a random UUID. Job ids use 12 characters, worker ids
// 10, chat completion ids the full 32.
func NewID(prefix string, n int) string {
	id := uuid.New()
	raw := hex.EncodeToString(id[:])
	if n <= 0 || n > len(raw) {
		n = len(raw)
	}
	return prefix + "_" + raw[:n]
}
