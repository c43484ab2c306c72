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

// Package llms provides language model providers for page classification.
package llms

import (
	"context"
	"fmt"

	"github.com/trailmem/trailmem/pkg/config"
)

// LanguageModel generates completions constrained to JSON output.
type LanguageModel interface {
	// CompleteJSON sends a system and user message and returns the raw
	// completion text. The provider requests JSON-object output, but the
	// caller must still validate the payload.
	CompleteJSON(ctx context.Context, system, user string) (string, error)

	// GetModelName returns the configured model identifier.
	GetModelName() string

	// Close releases provider resources.
	Close() error
}

// New creates a language model provider from configuration.
func New(cfg config.LLMConfig) (LanguageModel, error) {
	switch cfg.Provider {
	case "openai":
		return NewOpenAIProvider(cfg)
	default:
		return nil, fmt.Errorf("unknown llm provider: %s", cfg.Provider)
	}
}
