package ingest

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"

	"github.com/PowerDNS/salesingest/config"
	"github.com/PowerDNS/salesingest/store"
	"github.com/PowerDNS/salesingest/utils"
	"github.com/PowerDNS/salesingest/utils/climit"
)

const (
	minAcceptDelay = 5 * time.Millisecond
	maxAcceptDelay = time.Second
)

// Tracker receives the outcome of uploads, see status/healthtracker
type Tracker interface {
	AddSuccess()
	AddFailure()
}

// Options are optional Server settings
type Options struct {
	Logger        logrus.FieldLogger
	Tracker       Tracker
	RecentUploads int
}

// Server accepts connections and runs a Handler for each of them, with at
// most limits.MaxConnections handlers running at the same time.
type Server struct {
	addr    string
	limits  config.Limits
	h       *Handler
	cl      *climit.ConcurrencyLimit
	l       logrus.FieldLogger
	tracker Tracker
	recent  *Recent

	mu     utils.MonitoredMutex // protects ln and conns
	ln     net.Listener
	conns  map[uint64]*activeConn
	nextID uint64

	wg       sync.WaitGroup
	active   atomic.Int64
	accepted atomic.Uint64
}

type activeConn struct {
	remote string
	since  time.Time
	cancel context.CancelFunc
}

// New creates a Server. Call Listen and Serve, or ListenAndServe, to start it.
func New(addr string, limits config.Limits, st *store.Store, opt Options) *Server {
	l := opt.Logger
	if l == nil {
		l = logrus.StandardLogger()
	}
	s := &Server{
		addr:    addr,
		limits:  limits,
		h:       NewHandler(st, limits, l),
		cl:      climit.New("connections", limits.MaxConnections, l),
		l:       l,
		tracker: opt.Tracker,
		recent:  NewRecent(opt.RecentUploads),
		conns:   make(map[uint64]*activeConn),
	}
	s.mu.Logger = l
	s.mu.Name = "connections"
	return s
}

// Listen binds the configured address
func (s *Server) Listen() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		return fmt.Errorf("already listening on %s", s.ln.Addr())
	}
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return errors.Wrapf(err, "bind %s", s.addr)
	}
	s.ln = ln
	s.l.WithField("address", ln.Addr().String()).Info("Server listening")
	return nil
}

// Addr returns the bound address, or nil before Listen
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return nil
	}
	return s.ln.Addr()
}

// ListenAndServe calls Listen and then Serve
func (s *Server) ListenAndServe(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}
	return s.Serve(ctx)
}

// Serve accepts connections until ctx is cancelled. Accept errors are
// logged and retried with a backoff. After cancellation, Serve waits up to
// ShutdownTimeout for running handlers before closing their connections.
func (s *Server) Serve(ctx context.Context) error {
	s.mu.Lock()
	ln := s.ln
	s.mu.Unlock()
	if ln == nil {
		return fmt.Errorf("serve called before listen")
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	var err error
	var delay time.Duration
	for {
		var tok *climit.Token
		if s.limits.Overflow != config.OverflowReject {
			// Excess clients wait in the listen backlog
			if tok, err = s.cl.AcquireContext(ctx); err != nil {
				break
			}
		}

		var conn net.Conn
		conn, err = ln.Accept()
		if err != nil {
			if tok != nil {
				tok.Release()
			}
			if utils.IsCanceled(ctx) {
				break
			}
			if errors.Is(err, net.ErrClosed) {
				s.shutdown()
				return errors.Wrap(err, "listener closed")
			}
			metricAcceptErrors.Inc()
			if delay == 0 {
				delay = minAcceptDelay
			} else if delay *= 2; delay > maxAcceptDelay {
				delay = maxAcceptDelay
			}
			s.l.WithError(err).WithField("retry_in", delay).Error("Error accepting connection")
			if utils.SleepContext(ctx, delay) != nil {
				break
			}
			continue
		}
		delay = 0
		s.accepted.Inc()

		if tok == nil {
			var ok bool
			if tok, ok = s.cl.TryAcquire(); !ok {
				s.reject(conn)
				continue
			}
		}
		s.dispatch(conn, tok)
	}

	s.shutdown()
	return nil
}

func (s *Server) reject(conn net.Conn) {
	metricConnections.WithLabelValues("rejected").Inc()
	s.l.WithField("remote", conn.RemoteAddr().String()).
		Warn("Connection limit reached, rejecting connection")
	_ = conn.Close()
}

func (s *Server) dispatch(conn net.Conn, tok *climit.Token) {
	// Handlers are not tied to the serve context, they get some time to
	// finish during shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	id := s.register(conn, cancel)
	s.l.WithFields(logrus.Fields{
		"remote": conn.RemoteAddr().String(),
		"wait":   tok.AcquireDuration(),
	}).Debug("Connection accepted")

	s.wg.Add(1)
	s.active.Inc()
	metricConnectionsActive.Inc()
	go func() {
		defer s.wg.Done()
		defer metricConnectionsActive.Dec()
		defer s.active.Dec()
		defer tok.Release()
		defer s.unregister(id)
		defer cancel()

		res := s.h.Handle(ctx, conn)
		s.record(res)
	}()
}

func (s *Server) register(conn net.Conn, cancel context.CancelFunc) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.conns[s.nextID] = &activeConn{
		remote: conn.RemoteAddr().String(),
		since:  time.Now(),
		cancel: cancel,
	}
	return s.nextID
}

func (s *Server) unregister(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, id)
}

func (s *Server) record(res Result) {
	defer s.recent.Add(res)
	l := s.l.WithFields(logrus.Fields{
		"remote":   res.Remote,
		"duration": res.Duration(),
	})
	if res.Branch != "" {
		l = l.WithField("branch", string(res.Branch))
	}

	if res.OK() {
		metricConnections.WithLabelValues("ok").Inc()
		metricUploadBytes.Add(float64(res.Bytes))
		metricUploadDuration.Observe(res.End.Sub(res.Start).Seconds())
		metricLastUploadTimestamp.Set(float64(res.End.Unix()))
		if s.tracker != nil {
			s.tracker.AddSuccess()
		}
		l.WithField("bytes", res.Bytes).Info("Sales report file saved successfully")
		return
	}

	metricConnections.WithLabelValues("failed").Inc()
	metricHandlerFailures.WithLabelValues(res.State.String()).Inc()
	l = l.WithField("state", res.State.String()).WithError(res.Err)
	switch {
	case res.State == StatePersist:
		// Our problem, not the client's
		if s.tracker != nil {
			s.tracker.AddFailure()
		}
		l.Error("Error persisting report")
	case res.State == StateAwaitLength && errors.Is(res.Err, ErrShortFrame):
		// Port probes and health checks
		l.Debug("Connection closed before identifier")
	default:
		l.Warn("Upload aborted")
	}
}

// CloseStalled closes connections that have been open for longer than
// olderThan and returns how many were closed.
func (s *Server) CloseStalled(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.conns {
		if c.since.After(cutoff) {
			continue
		}
		s.l.WithFields(logrus.Fields{
			"remote": c.remote,
			"open":   time.Since(c.since).Round(time.Millisecond),
		}).Warn("Closing stalled connection")
		c.cancel()
		n++
	}
	metricForcedCloses.Add(float64(n))
	return n
}

func (s *Server) shutdown() {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	if n := s.Active(); n > 0 {
		s.l.WithField("active", n).Info("Waiting for active connections")
	}
	t := time.NewTimer(s.limits.ShutdownTimeout)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		n := s.CloseStalled(0)
		s.l.WithField("closed", n).Warn("Shutdown timeout reached, closed active connections")
		<-done
	}
	s.l.Info("Server stopped")
}

// Active returns the number of connections being handled
func (s *Server) Active() int {
	return int(s.active.Load())
}

// Accepted returns the total number of accepted connections
func (s *Server) Accepted() uint64 {
	return s.accepted.Load()
}

// Recent returns the most recent uploads, newest first
func (s *Server) Recent() []Upload {
	return s.recent.List()
}
