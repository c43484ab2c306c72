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

// Package model defines the core domain types shared across the pipeline:
// visits arriving from the browser extension, the page sessions they become
// once placed into a navigation tree, and the classification decisions
// attached to them.
package model

import (
	"crypto/md5"
	"encoding/hex"
	"time"
)

// PageType is the classification assigned to a visited page.
type PageType string

const (
	PageTypeKnowledge      PageType = "knowledge"
	PageTypeInteractiveApp PageType = "interactive_app"
	PageTypeAggregator     PageType = "aggregator"
	PageTypeLeisure        PageType = "leisure"
	PageTypeNavigation     PageType = "navigation"
	PageTypeOther          PageType = "other"
)

// PageTypes lists every valid classification value.
var PageTypes = []PageType{
	PageTypeKnowledge,
	PageTypeInteractiveApp,
	PageTypeAggregator,
	PageTypeLeisure,
	PageTypeNavigation,
	PageTypeOther,
}

// Valid reports whether t is one of the known classification values.
func (t PageType) Valid() bool {
	for _, known := range PageTypes {
		if t == known {
			return true
		}
	}
	return false
}

// ParsePageType converts a string to a PageType, reporting whether it is known.
func ParsePageType(s string) (PageType, bool) {
	t := PageType(s)
	return t, t.Valid()
}

// Visit is a single page-load event as received from the extension.
//
// RawContent is the decompressed page text; it is carried through the
// pipeline in memory and only ever persisted into the vector store.
type Visit struct {
	ID                string
	URL               string
	PageLoadedAt      time.Time
	PageLoadedAtRaw   string
	TabID             string
	OpenerTabID       string
	GroupID           string
	ReferrerURL       string
	ReferrerTimestamp float64
	Title             string
	RawContent        string

	// Arrival is the queue admission sequence number. It is the
	// authoritative tie-break when two pages share a load timestamp.
	Arrival uint64
}

// VisitID derives the stable visit identifier from the URL and the
// timestamp string exactly as the sender supplied it. Re-sending the same
// payload therefore yields the same id.
func VisitID(url, pageLoadedAtRaw string) string {
	sum := md5.Sum([]byte(url + ":" + pageLoadedAtRaw))
	return hex.EncodeToString(sum[:])
}

// Decision is the outcome of the classifier pipeline for one page.
type Decision struct {
	ShouldProcess bool     `json:"should_process"`
	PageType      PageType `json:"page_type"`
	Confidence    float64  `json:"confidence"`
	Reasoning     string   `json:"reasoning"`
}

// PageSession is the persisted form of an accepted visit: every scalar
// field of the visit, its position in a navigation tree, and the
// classification decision. Page content is not part of a PageSession.
type PageSession struct {
	ID              string
	URL             string
	PageLoadedAt    time.Time
	PageLoadedAtRaw string
	TabID           string
	OpenerTabID     string
	GroupID         string
	TreeID          string
	ParentPageID    string // empty for a tree root
	Title           string
	Classification  Decision
	ProcessedAt     time.Time
}

// EpisodicCorrection records a prior classification that a user later
// corrected. The embedding is derived from the page URL and is used to
// bias future classifications of semantically similar pages.
type EpisodicCorrection struct {
	ID        string
	PageID    string
	URL       string
	Original  PageType
	Corrected PageType
	Embedding []float32
	CreatedAt time.Time
}

// EpisodicMatch is a nearest-neighbour hit against the correction store.
type EpisodicMatch struct {
	Correction EpisodicCorrection
	Similarity float64
}
