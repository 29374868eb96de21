package ingest

import (
	"context"
	"net"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/PowerDNS/salesingest/config"
	"github.com/PowerDNS/salesingest/store"
	"github.com/PowerDNS/salesingest/utils"
)

// Identifiers are logged raw until they are known to be valid, cut off at
// this many bytes.
const maxLoggedIdentifier = 64

// Result describes how a connection ended
type Result struct {
	Remote string
	Branch store.Branch
	State  State // State where the connection was aborted, or StateDone
	Bytes  int   // Decoded report size
	Start  time.Time
	End    time.Time
	Err    error // Always a *StateError, nil on success
}

// OK returns true if the report was persisted
func (r Result) OK() bool {
	return r.Err == nil
}

// Duration returns the time spent on the connection
func (r Result) Duration() time.Duration {
	return utils.TimeDiff(r.End, r.Start)
}

// Handler runs the upload protocol on a single connection
type Handler struct {
	st     *store.Store
	limits config.Limits
	l      logrus.FieldLogger
}

// NewHandler creates a Handler that stores reports in st
func NewHandler(st *store.Store, limits config.Limits, l logrus.FieldLogger) *Handler {
	if l == nil {
		l = logrus.StandardLogger()
	}
	return &Handler{
		st:     st,
		limits: limits,
		l:      l,
	}
}

// Handle runs the protocol on conn and closes it before returning.
// Cancelling ctx closes the connection, which aborts any blocked read or
// write.
func (h *Handler) Handle(ctx context.Context, conn net.Conn) (res Result) {
	res = Result{
		Remote: conn.RemoteAddr().String(),
		Start:  time.Now(),
	}
	l := h.l.WithField("remote", res.Remote)

	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	fail := func(state State, err error) Result {
		res.State = state
		res.Err = &StateError{State: state, Err: err}
		res.End = time.Now()
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			l.WithError(err).Debug("Close after failure")
		}
		return res
	}

	// AwaitLength
	h.readDeadline(conn, h.limits.ReadTimeout)
	n, err := ReadLength(conn)
	if err != nil {
		return fail(StateAwaitLength, err)
	}
	if h.limits.MaxIdentifierLength > 0 && n > h.limits.MaxIdentifierLength {
		return fail(StateAwaitLength, errors.Wrapf(ErrIdentifierTooLong, "%d bytes", n))
	}

	// AwaitIdentifier
	raw, err := ReadIdentifier(conn, n)
	if err != nil {
		return fail(StateAwaitIdentifier, err)
	}
	res.Branch = store.ParseBranch(raw)

	// CreateDirectory
	if _, err := h.st.EnsureBranchDir(res.Branch); err != nil {
		l.WithField("identifier", utils.DisplayASCII(raw, maxLoggedIdentifier)).
			WithError(err).Warn("Rejected branch identifier")
		return fail(StateCreateDirectory, err)
	}
	l = l.WithField("branch", string(res.Branch))
	l.Debug("Received branch identifier")

	// SendAck1
	if err := h.writeAck(conn); err != nil {
		return fail(StateSendAck1, err)
	}

	// AwaitPayload
	h.readDeadline(conn, h.limits.PayloadTimeout)
	payload, err := ReadPayload(conn, h.limits.MaxPayloadSize.Bytes())
	if err != nil {
		return fail(StateAwaitPayload, err)
	}
	l.WithField("size", datasize.ByteSize(len(payload)).HumanReadable()).Debug("Received payload")

	// Trim
	text := TrimDelimiters(payload)

	// Decode
	report, err := Decode(text)
	if err != nil {
		return fail(StateDecode, err)
	}
	res.Bytes = len(report)

	// Persist
	if err := h.st.Write(ctx, res.Branch, report); err != nil {
		return fail(StatePersist, err)
	}

	// SendAck2. The report is stored, so a failure here does not change
	// the outcome.
	if err := h.writeAck(conn); err != nil {
		l.WithError(err).Warn("Error writing acknowledgment")
	}

	// Close
	res.State = StateDone
	if err := closeConn(conn); err != nil && !errors.Is(err, net.ErrClosed) {
		l.WithError(err).Warn("Failed to close the connection")
	}
	res.End = time.Now()
	return res
}

func (h *Handler) readDeadline(conn net.Conn, d time.Duration) {
	var t time.Time
	if d > 0 {
		t = time.Now().Add(d)
	}
	_ = conn.SetReadDeadline(t)
}

func (h *Handler) writeAck(conn net.Conn) error {
	var t time.Time
	if h.limits.WriteTimeout > 0 {
		t = time.Now().Add(h.limits.WriteTimeout)
	}
	_ = conn.SetWriteDeadline(t)
	_, err := conn.Write(Ack)
	return err
}

// closeConn shuts down the sending side before closing, so that the peer
// sees a clean EOF after the last acknowledgment.
func closeConn(conn net.Conn) error {
	var err error
	if hc, ok := conn.(interface{ CloseWrite() error }); ok {
		err = hc.CloseWrite()
	}
	if cerr := conn.Close(); err == nil {
		err = cerr
	}
	return err
}
