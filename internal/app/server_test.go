package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recorder struct {
	mu    sync.Mutex
	order []string
}

func (r *recorder) add(s string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.order = append(r.order, s)
}

func (r *recorder) get() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

type stopper struct {
	name string
	rec  *recorder
	dead chan struct{}
}

func (s *stopper) Stop() error {
	s.rec.add(s.name)
	return nil
}

func (s *stopper) Dead() <-chan struct{} { return s.dead }

func listen(t *testing.T) net.Listener {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	return ln
}

func TestRunServesUntilCancelled(t *testing.T) {
	rec := &recorder{}
	ln := listen(t)
	srv := &Server{
		Name:     "test",
		Listener: ln,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			_, _ = io.WriteString(w, "ok")
		}),
		Logger: zaptest.NewLogger(t),
	}
	srv.Add("first", &stopper{name: "first", rec: rec})
	srv.Add("second", &stopper{name: "second", rec: rec})
	srv.OnShutdown(func() error { rec.add("hook"); return nil })

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- srv.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + ln.Addr().String())
		if err != nil {
			return false
		}
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body) == "ok"
	}, 5*time.Second, 10*time.Millisecond)
	http.DefaultClient.CloseIdleConnections()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, []string{"second", "first", "hook"}, rec.get())
}

func TestRunStopsWhenWatchedWorkerDies(t *testing.T) {
	rec := &recorder{}
	dying := &stopper{name: "router", rec: rec, dead: make(chan struct{})}
	srv := &Server{
		Name:     "test",
		Listener: listen(t),
		Handler:  http.NotFoundHandler(),
		Logger:   zaptest.NewLogger(t),
	}
	srv.Add("router", dying)

	done := make(chan error, 1)
	go func() { done <- srv.Run(context.Background()) }()
	close(dying.dead)

	select {
	case err := <-done:
		assert.ErrorContains(t, err, "router stopped unexpectedly")
	case <-time.After(5 * time.Second):
		t.Fatal("server did not stop")
	}
	assert.Equal(t, []string{"router"}, rec.get())
}

func TestRunFailsOnBadAddress(t *testing.T) {
	rec := &recorder{}
	srv := &Server{Name: "test", Addr: "256.0.0.1:-1", Handler: http.NotFoundHandler(), Logger: zaptest.NewLogger(t)}
	srv.Add("w", &stopper{name: "w", rec: rec})
	err := srv.Run(context.Background())
	assert.ErrorContains(t, err, "listening on")
	assert.Equal(t, []string{"w"}, rec.get())
}
