// Package statusapi is the optional read-only HTTP status server: a thin
// gin.Engine exposing the runner's live progress and published results
// for an external dashboard to poll.
package statusapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/systest/systest/container"
	"github.com/systest/systest/obslog"
)

// RunnerView is the subset of runner.Runner this package depends on,
// letting tests substitute a fake without importing the runner package
// directly; cmd/systest-run wires a live runner to the server through an
// adapter that implements it.
type RunnerView interface {
	Snapshot() SnapshotView
	Results() []*container.Record
}

// SnapshotView mirrors runner.Snapshot's shape.
type SnapshotView struct {
	Published int
	ByOutcome map[string]int
	Worst     string
}

// Server wraps a gin.Engine serving GET /status and GET /results against
// a live RunnerView.
type Server struct {
	engine *gin.Engine
	http   *http.Server
	runner RunnerView
	log    *obslog.Logger
}

// NewServer builds a Server bound to addr ("host:port"), reading from
// runner on every request.
func NewServer(addr string, runner RunnerView, log *obslog.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		engine: engine,
		runner: runner,
		log:    log,
		http:   &http.Server{Addr: addr, Handler: engine},
	}

	engine.GET("/status", s.getStatus)
	engine.GET("/results", s.getResults)
	return s
}

// statusResponse is GET /status's JSON body.
type statusResponse struct {
	Published int            `json:"published"`
	ByOutcome map[string]int `json:"byOutcome"`
	Worst     string         `json:"worst"`
}

func (s *Server) getStatus(c *gin.Context) {
	snap := s.runner.Snapshot()
	c.JSON(http.StatusOK, statusResponse{
		Published: snap.Published,
		ByOutcome: snap.ByOutcome,
		Worst:     snap.Worst,
	})
}

// resultResponse is one entry in GET /results's JSON array.
type resultResponse struct {
	Ordinal   int    `json:"ordinal"`
	TestID    string `json:"testId"`
	Cycle     int    `json:"cycle"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
	OutputDir string `json:"outputDir"`
}

func (s *Server) getResults(c *gin.Context) {
	records := s.runner.Results()
	out := make([]resultResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, resultResponse{
			Ordinal:   rec.Ordinal,
			TestID:    rec.Descriptor.ID(),
			Cycle:     rec.Cycle,
			Outcome:   rec.FinalOutcome.String(),
			Reason:    rec.FinalReason,
			OutputDir: rec.OutputDir,
		})
	}
	c.JSON(http.StatusOK, out)
}

// Start begins serving in a background goroutine; errors other than a
// clean shutdown are logged, not returned, matching how this server is
// meant to be a non-fatal side channel to the run it reports on.
func (s *Server) Start() {
	go func() {
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if s.log != nil {
				s.log.Error("status api: listen failed", zap.String("addr", s.http.Addr), zap.Error(err))
			}
		}
	}()
}

// Stop shuts the server down, giving in-flight requests up to 5 seconds
// to complete.
func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.http.Shutdown(ctx)
}

// Addr returns the address the server is configured to listen on.
func (s *Server) Addr() string { return s.http.Addr }

// Engine exposes the underlying gin.Engine so tests can drive routes
// directly (e.g. via httptest.NewServer) without a real listener.
func (s *Server) Engine() http.Handler { return s.engine }
