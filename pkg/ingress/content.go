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
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"
)

// decoder is shared; zstd readers are safe for concurrent DecodeAll.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))

// DecodeContent interprets the wire content field: base64 of
// zstd-compressed UTF-8. If either layer fails to decode, the input is
// the page text itself and is returned as-is.
func DecodeContent(content string) string {
	if content == "" {
		return ""
	}

	compressed, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		slog.Warn("Content is not valid base64, treating as raw text", "error", err)
		return content
	}

	text, err := zstdDecoder.DecodeAll(compressed, nil)
	if err != nil {
		slog.Warn("Content failed zstd decompression, treating as raw text", "error", err)
		return content
	}
	return string(text)
}

// ParseTimestamp accepts the sender's page_loaded_at in RFC 3339 form
// or as a Unix epoch in seconds or milliseconds.
func ParseTimestamp(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}

	if n, err := strconv.ParseFloat(strings.TrimSpace(raw), 64); err == nil {
		// Millisecond epochs are 13 digits; second epochs 10.
		if n > 1e12 {
			return time.UnixMilli(int64(n)).UTC(), nil
		}
		sec := int64(n)
		nsec := int64((n - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", raw)
}
