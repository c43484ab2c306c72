// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ingress

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

const portFileName = "port.json"

// portFile is the discovery record the extension reads to locate the
// running service.
type portFile struct {
	Port      int       `json:"port"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

// WritePortFile advertises the bound port under the storage root.
func WritePortFile(dir string, port int) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create storage directory: %w", err)
	}

	raw, err := json.Marshal(portFile{
		Port:      port,
		PID:       os.Getpid(),
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal port file: %w", err)
	}

	if err := os.WriteFile(filepath.Join(dir, portFileName), raw, 0o644); err != nil {
		return fmt.Errorf("failed to write port file: %w", err)
	}
	return nil
}

// RemovePortFile withdraws the advertisement on shutdown.
func RemovePortFile(dir string) error {
	err := os.Remove(filepath.Join(dir, portFileName))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// ReadPortFile returns the advertised port, used by auxiliary commands
// to find a running instance.
func ReadPortFile(dir string) (int, error) {
	raw, err := os.ReadFile(filepath.Join(dir, portFileName))
	if err != nil {
		return 0, err
	}
	var pf portFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return 0, fmt.Errorf("failed to parse port file: %w", err)
	}
	return pf.Port, nil
}
