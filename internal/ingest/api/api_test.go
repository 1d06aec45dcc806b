// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

package api

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"sentinel/internal/ingest"
)

func newTestRouter(q *ingest.Queue) http.Handler {
	r := chi.NewRouter()
	New(q, nil).Mount(r)
	return r
}

func TestHandlePush_SingleObject(t *testing.T) {
	q := ingest.NewQueue(4)
	router := newTestRouter(q)

	body := `{"source_ip":"10.0.0.1","dest_ip":"10.0.0.2","protocol":"TCP","src_port":1111,"dest_port":80}`
	req := httptest.NewRequest(http.MethodPost, "/ingest/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	select {
	case ev := <-q.C():
		if ev.SrcIP != "10.0.0.1" || ev.DestIP != "10.0.0.2" {
			t.Fatalf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("expected event on queue")
	}
}

func TestHandlePush_Array(t *testing.T) {
	q := ingest.NewQueue(4)
	router := newTestRouter(q)

	body := `[{"source_ip":"10.0.0.1","dest_ip":"10.0.0.2","protocol":"TCP"},{"source_ip":"10.0.0.3","dest_ip":"10.0.0.4","protocol":"UDP"}]`
	req := httptest.NewRequest(http.MethodPost, "/ingest/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	if len(q.C()) != 2 {
		t.Fatalf("expected 2 queued events, got %d", len(q.C()))
	}
}

func TestHandlePush_MissingRequiredFieldRejected(t *testing.T) {
	q := ingest.NewQueue(4)
	router := newTestRouter(q)

	body := `{"source_ip":"10.0.0.1","protocol":"TCP"}`
	req := httptest.NewRequest(http.MethodPost, "/ingest/", strings.NewReader(body))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandlePush_MalformedBodyRejected(t *testing.T) {
	q := ingest.NewQueue(4)
	router := newTestRouter(q)

	req := httptest.NewRequest(http.MethodPost, "/ingest/", strings.NewReader("not json"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}
