package health

import (
	"bytes"
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/suite"

	"github.com/srediag/shm-exec/internal/logger"
)

type HealthTestSuite struct {
	suite.Suite
	reg *prometheus.Registry
}

func TestHealthTestSuite(t *testing.T) {
	suite.Run(t, new(HealthTestSuite))
}

func (s *HealthTestSuite) SetupTest() {
	s.reg = prometheus.NewRegistry()
}

func (s *HealthTestSuite) checker(cfg Config) *Checker {
	cfg.Registerer = s.reg
	cfg.Gatherer = s.reg
	cfg.Logger = logger.New("test", &bytes.Buffer{})
	return New(cfg)
}

func (s *HealthTestSuite) get(h http.Handler, path string) (int, string) {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	body, _ := io.ReadAll(rec.Body)
	return rec.Code, string(body)
}

func (s *HealthTestSuite) TestLiveAndReady() {
	c := s.checker(Config{})
	code, _ := s.get(c, "/live")
	s.Equal(http.StatusOK, code)
	code, _ = s.get(c, "/ready")
	s.Equal(http.StatusOK, code)
}

func (s *HealthTestSuite) TestStateCheckFlipsReadiness() {
	c := s.checker(Config{})
	var bound atomic.Bool
	c.AddReadinessCheck("listener", StateCheck(bound.Load, "listener not bound"))

	code, body := s.get(c, "/ready?full=1")
	s.Equal(http.StatusServiceUnavailable, code)
	s.Contains(body, "listener not bound")

	bound.Store(true)
	code, _ = s.get(c, "/ready")
	s.Equal(http.StatusOK, code)
}

func (s *HealthTestSuite) TestGoroutineCeiling() {
	c := s.checker(Config{MaxGoroutines: 1})
	code, _ := s.get(c, "/live")
	s.Equal(http.StatusServiceUnavailable, code)
}

func (s *HealthTestSuite) TestMemoryCheck() {
	s.NoError(MemoryCheck(1)())
	s.Error(MemoryCheck(^uint64(0))())
}

func (s *HealthTestSuite) TestShmSpaceCheck() {
	dir := s.T().TempDir()
	s.NoError(ShmSpaceCheck(dir, 0)())
	s.Error(ShmSpaceCheck(dir, ^uint64(0))())
	s.Error(ShmSpaceCheck(dir+"/missing", 0)())
}

func (s *HealthTestSuite) TestMetricsEndpoint() {
	c := s.checker(Config{})
	s.get(c, "/live")
	code, body := s.get(c, "/metrics")
	s.Equal(http.StatusOK, code)
	s.Contains(body, "shmexec_healthcheck_status")
}

func (s *HealthTestSuite) TestServeStopsWithContext() {
	c := s.checker(Config{})
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	s.Require().NoError(err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.serve(ctx, ln) }()

	s.Eventually(func() bool {
		resp, err := http.Get("http://" + ln.Addr().String() + "/live")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		s.NoError(err)
	case <-time.After(5 * time.Second):
		s.Fail("admin server did not stop")
	}
}
