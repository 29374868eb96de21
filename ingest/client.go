package ingest

import (
	"bytes"
	"context"
	"io"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Client uploads reports to a Server
type Client struct {
	Addr string

	// Timeout limits a complete upload, zero means no limit
	Timeout time.Duration

	// NoDelimiters sends the base64 report without the '~' markers
	NoDelimiters bool

	Dialer net.Dialer
}

// Upload sends the report for branch and waits for both acknowledgments.
// The branch is sent as-is, the server decides if it is acceptable.
func (c *Client) Upload(ctx context.Context, branch string, report []byte) error {
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	conn, err := c.Dialer.DialContext(ctx, "tcp", c.Addr)
	if err != nil {
		return errors.Wrap(err, "connect")
	}
	defer func() {
		_ = conn.Close()
	}()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	if err := WriteIdentifier(conn, []byte(branch)); err != nil {
		return errors.Wrap(err, "send branch")
	}
	if err := readAck(conn); err != nil {
		return errors.Wrap(err, "branch not accepted")
	}

	if _, err := conn.Write(EncodePayload(report, !c.NoDelimiters)); err != nil {
		return errors.Wrap(err, "send report")
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return errors.Wrap(err, "close send side")
		}
	}
	if err := readAck(conn); err != nil {
		return errors.Wrap(err, "report not accepted")
	}
	return nil
}

// readAck reads one acknowledgment. A close or any other data counts as
// failure.
func readAck(r io.Reader) error {
	buf := make([]byte, len(Ack))
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return ErrNoAck
		}
		return errors.Wrap(ErrNoAck, err.Error())
	}
	if !bytes.Equal(buf, Ack) {
		return errors.Wrapf(ErrNoAck, "unexpected response %q", buf)
	}
	return nil
}
