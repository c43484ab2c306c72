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

// Package config defines the trailmem configuration model: YAML file
// loading, environment variable expansion, defaulting, and validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/trailmem/trailmem/pkg/model"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	LLM        LLMConfig        `yaml:"llm"`
	Embedder   EmbedderConfig   `yaml:"embedder"`
	Classifier ClassifierConfig `yaml:"classifier"`
	Tree       TreeConfig       `yaml:"tree"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig configures the HTTP ingress.
type ServerConfig struct {
	// Port the ingress listens on. The extension discovers it through
	// the port file under the storage root.
	Port int `yaml:"port"`

	// QueueCapacity bounds the in-memory visit queue. Ingress rejects
	// with 503 once the queue is full.
	QueueCapacity int `yaml:"queue_capacity"`

	// DrainTimeout bounds queue draining on shutdown.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// StorageConfig locates the on-disk stores.
type StorageConfig struct {
	// Path is the root directory holding the SQLite database, the
	// vector store files, the unreconciled log, and the port file.
	// Defaults to $STORAGE_PATH, then ~/.trailmem.
	Path string `yaml:"path"`

	// Compress enables gzip compression of the persisted vector store.
	Compress bool `yaml:"compress"`
}

// LLMConfig configures the classification language model.
type LLMConfig struct {
	Provider    string  `yaml:"provider"` // "openai"
	Model       string  `yaml:"model"`
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
	Timeout     int     `yaml:"timeout"`     // seconds
	MaxRetries  int     `yaml:"max_retries"` // attempts per call
}

// EmbedderConfig configures text embedding.
type EmbedderConfig struct {
	Provider  string `yaml:"provider"` // "openai" or "local"
	Model     string `yaml:"model"`
	APIKey    string `yaml:"api_key"`
	BaseURL   string `yaml:"base_url"`
	Dimension int    `yaml:"dimension"`
	Timeout   int    `yaml:"timeout"` // seconds
}

// ClassifierConfig tunes the decision pipeline.
type ClassifierConfig struct {
	// AllowedTypes are the page types worth keeping. Pages outside this
	// set are recorded as filtered and never indexed.
	AllowedTypes []string `yaml:"allowed_types"`

	// MinConfidence is the keep threshold after arbitration.
	MinConfidence float64 `yaml:"min_confidence"`

	// EpisodicK is how many prior corrections are consulted per page.
	EpisodicK int `yaml:"episodic_k"`

	// EpisodicAgreement is how many of the K must agree on the same
	// corrected type before the model's answer is overridden.
	EpisodicAgreement int `yaml:"episodic_agreement"`

	// MaxConcurrent bounds in-flight language model calls.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// TreeConfig tunes the reconciler's orphan handling.
type TreeConfig struct {
	RetryInterval    time.Duration `yaml:"retry_interval"`
	MaxOrphanAge     time.Duration `yaml:"max_orphan_age"`
	MaxOrphanRetries int           `yaml:"max_orphan_retries"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// SetDefaults fills zero values with working defaults.
func (c *Config) SetDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 5000
	}
	if c.Server.QueueCapacity == 0 {
		c.Server.QueueCapacity = 1024
	}
	if c.Server.DrainTimeout == 0 {
		c.Server.DrainTimeout = 30 * time.Second
	}

	if c.Storage.Path == "" {
		c.Storage.Path = os.Getenv("STORAGE_PATH")
	}
	if c.Storage.Path == "" {
		home, err := os.UserHomeDir()
		if err == nil {
			c.Storage.Path = filepath.Join(home, ".trailmem")
		} else {
			c.Storage.Path = ".trailmem"
		}
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.Model == "" {
		c.LLM.Model = "gpt-4o-mini"
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = ProviderAPIKey(c.LLM.Provider)
	}
	if c.LLM.MaxTokens == 0 {
		c.LLM.MaxTokens = 512
	}
	if c.LLM.Timeout == 0 {
		c.LLM.Timeout = 30
	}
	if c.LLM.MaxRetries == 0 {
		c.LLM.MaxRetries = 3
	}

	if c.Embedder.Provider == "" {
		c.Embedder.Provider = "openai"
	}
	if c.Embedder.Model == "" {
		c.Embedder.Model = "text-embedding-3-small"
	}
	if c.Embedder.APIKey == "" {
		c.Embedder.APIKey = ProviderAPIKey("openai")
	}
	if c.Embedder.Dimension == 0 {
		c.Embedder.Dimension = 1536
	}
	if c.Embedder.Timeout == 0 {
		c.Embedder.Timeout = 30
	}

	if len(c.Classifier.AllowedTypes) == 0 {
		c.Classifier.AllowedTypes = []string{string(model.PageTypeKnowledge)}
	}
	if c.Classifier.MinConfidence == 0 {
		c.Classifier.MinConfidence = 0.5
	}
	if c.Classifier.EpisodicK == 0 {
		c.Classifier.EpisodicK = 5
	}
	if c.Classifier.EpisodicAgreement == 0 {
		c.Classifier.EpisodicAgreement = 3
	}
	if c.Classifier.MaxConcurrent == 0 {
		c.Classifier.MaxConcurrent = 4
	}

	if c.Tree.RetryInterval == 0 {
		c.Tree.RetryInterval = 5 * time.Second
	}
	if c.Tree.MaxOrphanAge == 0 {
		c.Tree.MaxOrphanAge = 60 * time.Second
	}
	if c.Tree.MaxOrphanRetries == 0 {
		c.Tree.MaxOrphanRetries = 5
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

// Validate checks the configuration for inconsistencies.
func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535, got %d", c.Server.Port)
	}
	if c.Server.QueueCapacity < 1 {
		return fmt.Errorf("server.queue_capacity must be positive, got %d", c.Server.QueueCapacity)
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.LLM.Provider != "openai" {
		return fmt.Errorf("llm.provider %q is not supported (supported: openai)", c.LLM.Provider)
	}
	switch c.Embedder.Provider {
	case "openai", "local":
	default:
		return fmt.Errorf("embedder.provider %q is not supported (supported: openai, local)", c.Embedder.Provider)
	}
	if c.Embedder.Dimension < 1 {
		return fmt.Errorf("embedder.dimension must be positive, got %d", c.Embedder.Dimension)
	}
	for _, t := range c.Classifier.AllowedTypes {
		if _, ok := model.ParsePageType(t); !ok {
			return fmt.Errorf("classifier.allowed_types contains unknown type %q", t)
		}
	}
	if c.Classifier.MinConfidence < 0 || c.Classifier.MinConfidence > 1 {
		return fmt.Errorf("classifier.min_confidence must be in [0,1], got %v", c.Classifier.MinConfidence)
	}
	if c.Classifier.EpisodicAgreement > c.Classifier.EpisodicK {
		return fmt.Errorf("classifier.episodic_agreement (%d) cannot exceed episodic_k (%d)",
			c.Classifier.EpisodicAgreement, c.Classifier.EpisodicK)
	}
	if c.Tree.MaxOrphanRetries < 0 {
		return fmt.Errorf("tree.max_orphan_retries must not be negative")
	}
	return nil
}

// AllowedPageTypes returns the allowed types as model values. Validate
// must have passed for the result to be complete.
func (c *ClassifierConfig) AllowedPageTypes() []model.PageType {
	out := make([]model.PageType, 0, len(c.AllowedTypes))
	for _, t := range c.AllowedTypes {
		if pt, ok := model.ParsePageType(t); ok {
			out = append(out, pt)
		}
	}
	return out
}
