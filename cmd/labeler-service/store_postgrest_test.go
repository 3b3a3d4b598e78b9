package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakePostgrest serves the subset of the REST gateway the label store uses.
type fakePostgrest struct {
	t         *testing.T
	mu        sync.Mutex
	rows      map[string][]string
	listCalls int
	failWith  int
	// maxRows mimics the gateway's max-rows setting; zero means uncapped.
	maxRows int
}

func newFakePostgrest(t *testing.T) (*fakePostgrest, *httptest.Server) {
	f := &fakePostgrest{t: t, rows: make(map[string][]string)}
	srv := httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(srv.Close)
	return f, srv
}

func (f *fakePostgrest) serve(w http.ResponseWriter, r *http.Request) {
	assert.Equal(f.t, "/rest/v1/labels", r.URL.Path)
	assert.Equal(f.t, "test-key", r.Header.Get("apikey"))
	assert.Equal(f.t, "Bearer test-key", r.Header.Get("Authorization"))

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWith != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.failWith)
		_, _ = w.Write([]byte(`{"code":"PGRST000","message":"boom"}`))
		return
	}

	q := r.URL.Query()
	switch r.Method {
	case http.MethodPost:
		assert.Equal(f.t, "filename", q.Get("on_conflict"))
		assert.Contains(f.t, r.Header.Get("Prefer"), "resolution=merge-duplicates")
		var rows []labelRow
		if err := json.NewDecoder(r.Body).Decode(&rows); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		for _, row := range rows {
			f.rows[row.Filename] = row.Labels
		}
		w.WriteHeader(http.StatusCreated)
	case http.MethodGet:
		if filter := q.Get("filename"); filter != "" {
			name := strings.TrimPrefix(filter, "eq.")
			out := []labelRow{}
			if labels, ok := f.rows[name]; ok {
				out = append(out, labelRow{Filename: name, Labels: labels})
			}
			writeJSON(w, http.StatusOK, out)
			return
		}
		f.listCalls++
		names := make([]string, 0, len(f.rows))
		for name := range f.rows {
			names = append(names, name)
		}
		sort.Strings(names)
		offset, limit := pageWindow(r)
		if f.maxRows > 0 && limit > f.maxRows {
			limit = f.maxRows
		}
		out := []labelRow{}
		for i := offset; i < len(names) && i < offset+limit; i++ {
			out = append(out, labelRow{Filename: names[i]})
		}
		writeJSON(w, http.StatusOK, out)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

// pageWindow reads offset/limit query params, falling back to a Range header.
func pageWindow(r *http.Request) (offset, limit int) {
	q := r.URL.Query()
	if q.Has("limit") {
		offset, _ = strconv.Atoi(q.Get("offset"))
		limit, _ = strconv.Atoi(q.Get("limit"))
		return offset, limit
	}
	if from, to, ok := strings.Cut(r.Header.Get("Range"), "-"); ok {
		start, err1 := strconv.Atoi(from)
		end, err2 := strconv.Atoi(to)
		if err1 == nil && err2 == nil && end >= start {
			return start, end - start + 1
		}
	}
	return 0, 1 << 30
}

func newTestPostgrestStore(t *testing.T, srv *httptest.Server) *postgrestLabelStore {
	t.Helper()
	s, err := newPostgrestLabelStore(srv.URL+"/", "test-key")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func seedPostgrestRows(f *fakePostgrest, n int) {
	for i := 0; i < n; i++ {
		f.rows[fmt.Sprintf("img%05d.jpg", i)] = []string{"Boat"}
	}
}

func TestPostgrestLabelStore(t *testing.T) {
	_, srv := newFakePostgrest(t)
	exerciseLabelStore(t, newTestPostgrestStore(t, srv))
}

func TestPostgrestListPagesThroughAllRows(t *testing.T) {
	fake, srv := newFakePostgrest(t)
	total := postgrestPageSize + postgrestPageSize/2
	seedPostgrestRows(fake, total)
	s := newTestPostgrestStore(t, srv)

	labeled, err := s.ListLabeledFilenames(context.Background())
	require.NoError(t, err)
	assert.Len(t, labeled, total)
	assert.Equal(t, 3, fake.listCalls, "full page, short page, empty page")
}

func TestPostgrestListSurvivesServerRowCap(t *testing.T) {
	fake, srv := newFakePostgrest(t)
	fake.maxRows = 500
	seedPostgrestRows(fake, 1200)
	s := newTestPostgrestStore(t, srv)

	labeled, err := s.ListLabeledFilenames(context.Background())
	require.NoError(t, err)
	assert.Len(t, labeled, 1200)
	assert.Contains(t, labeled, "img01199.jpg")
	assert.Equal(t, 4, fake.listCalls)
}

func TestPostgrestListHonorsCancelledContext(t *testing.T) {
	fake, srv := newFakePostgrest(t)
	seedPostgrestRows(fake, 3)
	s := newTestPostgrestStore(t, srv)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := s.ListLabeledFilenames(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, fake.listCalls)
}

func TestPostgrestErrorsSurfaceGatewayMessage(t *testing.T) {
	fake, srv := newFakePostgrest(t)
	fake.failWith = http.StatusServiceUnavailable
	s := newTestPostgrestStore(t, srv)

	err := s.SaveLabels(context.Background(), "a.jpg", []string{"Boat"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "a.jpg")
	assert.Contains(t, err.Error(), "boom")

	_, err = s.ListLabeledFilenames(context.Background())
	assert.Error(t, err)
	_, err = s.LabelsFor(context.Background(), "a.jpg")
	assert.Error(t, err)
}
