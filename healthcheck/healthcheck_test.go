package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackforge/provisioner/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func statusServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	router := chi.NewRouter()
	router.Get("/api/status", handler)
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	return srv
}

func TestPollSucceedsImmediately(t *testing.T) {
	srv := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"success": true}`))
	})

	p := &Poller{URL: srv.URL + "/api/status", Attempts: 3, Delay: time.Millisecond, Log: testLogger()}
	require.NoError(t, p.Poll(context.Background()))
}

func TestPollSucceedsOnLastAttempt(t *testing.T) {
	var requests int
	srv := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		if requests < 3 {
			http.Error(w, "warming up", http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte(`{"success": true}`))
	})

	p := &Poller{URL: srv.URL + "/api/status", Attempts: 3, Delay: time.Millisecond, Log: testLogger()}
	require.NoError(t, p.Poll(context.Background()), "success on the final attempt still counts")
	assert.Equal(t, 3, requests)
}

func TestPollExhaustsBudget(t *testing.T) {
	var requests int
	srv := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		requests++
		http.Error(w, "down", http.StatusInternalServerError)
	})

	p := &Poller{URL: srv.URL + "/api/status", Attempts: 4, Delay: time.Millisecond, Log: testLogger()}
	err := p.Poll(context.Background())
	require.ErrorIs(t, err, interfaces.ErrReadinessTimeout)
	assert.Equal(t, 4, requests, "every budgeted attempt must be used")
}

func TestPollNonConformingBody(t *testing.T) {
	cases := map[string]string{
		"wrong field":   `{"status": "ok"}`,
		"string value":  `{"success": "true"}`,
		"false value":   `{"success": false}`,
		"broken json":   `{"success":`,
		"empty body":    ``,
		"html response": `<html>ok</html>`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte(body))
			})

			p := &Poller{URL: srv.URL + "/api/status", Attempts: 2, Delay: time.Millisecond, Log: testLogger()}
			require.ErrorIs(t, p.Poll(context.Background()), interfaces.ErrReadinessTimeout)
		})
	}
}

func TestPollUnreachableEndpoint(t *testing.T) {
	p := &Poller{
		URL:      "http://127.0.0.1:1/api/status",
		Attempts: 2,
		Delay:    time.Millisecond,
		Log:      testLogger(),
	}
	require.ErrorIs(t, p.Poll(context.Background()), interfaces.ErrReadinessTimeout)
}

func TestPollContextCancellation(t *testing.T) {
	srv := statusServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	p := &Poller{URL: srv.URL + "/api/status", Attempts: 100, Delay: time.Hour, Log: testLogger()}
	err := p.Poll(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
