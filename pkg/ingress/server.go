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

// Package ingress is the HTTP surface the browser extension talks to.
//
// POST /visit validates and enqueues one page-load event and returns
// immediately; all placement, classification, and persistence happens
// behind the queue. GET /status reports readiness, GET /metrics exposes
// the Prometheus registry. The bound port is advertised through a
// discovery file under the storage root.
package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/trailmem/trailmem/pkg/metrics"
	"github.com/trailmem/trailmem/pkg/model"
	"github.com/trailmem/trailmem/pkg/queue"
)

// visitRequest is the POST /visit wire payload. Content carries the
// page text as base64 of zstd-compressed UTF-8; a payload that fails to
// decode is treated as the raw text itself.
type visitRequest struct {
	URL               string  `json:"url" validate:"required,url"`
	PageLoadedAt      string  `json:"page_loaded_at" validate:"required"`
	TabID             string  `json:"tab_id" validate:"required"`
	OpenerTabID       string  `json:"opener_tab_id"`
	GroupID           string  `json:"group_id"`
	ReferrerURL       string  `json:"referrer" validate:"omitempty,url"`
	ReferrerTimestamp float64 `json:"referrer_timestamp"`
	Title             string  `json:"title"`
	Content           string  `json:"content"`
}

// Server is the ingress HTTP server.
type Server struct {
	queue      *queue.Queue
	metrics    *metrics.Metrics
	validate   *validator.Validate
	port       int
	storageDir string

	httpServer *http.Server
}

// New creates the ingress server.
func New(q *queue.Queue, met *metrics.Metrics, port int, storageDir string) *Server {
	return &Server{
		queue:      q,
		metrics:    met,
		validate:   validator.New(),
		port:       port,
		storageDir: storageDir,
	}
}

// Router builds the chi handler. Exposed for tests.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Post("/visit", s.handleVisit)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", promhttp.HandlerFor(s.metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP)
	return r
}

// Start serves until ctx is cancelled, writing the discovery file on
// bind and removing it on shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler: s.Router(),
	}

	if err := WritePortFile(s.storageDir, s.port); err != nil {
		return err
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Ingress listening", "addr", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		_ = RemovePortFile(s.storageDir)
		return fmt.Errorf("ingress failed: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(shutdownCtx)
	if removeErr := RemovePortFile(s.storageDir); err == nil {
		err = removeErr
	}
	return err
}

func (s *Server) handleVisit(w http.ResponseWriter, r *http.Request) {
	var req visitRequest
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json", err.Error())
		return
	}

	if err := s.validate.Struct(req); err != nil {
		var issues []string
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				issues = append(issues, fmt.Sprintf("%s: failed %q", fe.Field(), fe.Tag()))
			}
		} else {
			issues = append(issues, err.Error())
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{
			"error":  "validation failed",
			"issues": issues,
		})
		return
	}

	loadedAt, err := ParseTimestamp(req.PageLoadedAt)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid page_loaded_at", err.Error())
		return
	}

	visit := model.Visit{
		ID:                model.VisitID(req.URL, req.PageLoadedAt),
		URL:               req.URL,
		PageLoadedAt:      loadedAt,
		PageLoadedAtRaw:   req.PageLoadedAt,
		TabID:             req.TabID,
		OpenerTabID:       req.OpenerTabID,
		GroupID:           req.GroupID,
		ReferrerURL:       req.ReferrerURL,
		ReferrerTimestamp: req.ReferrerTimestamp,
		Title:             req.Title,
		RawContent:        DecodeContent(req.Content),
	}

	position, err := s.queue.TryEnqueue(visit)
	if err != nil {
		s.metrics.VisitsRejected.Inc()
		writeError(w, http.StatusServiceUnavailable, "queue full", "")
		return
	}
	s.metrics.VisitsTotal.Inc()
	s.metrics.QueueDepth.Set(float64(s.queue.Depth()))

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "queued",
		"position": position,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"queue_depth":  s.queue.Depth(),
		"visits_total": s.queue.Total(),
	})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg, detail string) {
	body := map[string]any{"error": msg}
	if detail != "" {
		body["detail"] = detail
	}
	writeJSON(w, status, body)
}
