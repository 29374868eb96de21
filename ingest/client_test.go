package ingest

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PowerDNS/salesingest/config"
)

func TestClient_Upload(t *testing.T) {
	ts := startServer(t, testOptions{})
	ctx := context.Background()

	c := &Client{Addr: ts.addr, Timeout: 5 * time.Second}
	report := []byte("week 42\nsales 1234.56\n")
	require.NoError(t, c.Upload(ctx, "ALBNM", report))

	data, err := ts.report("ALBNM")
	require.NoError(t, err)
	assert.Equal(t, report, data)

	c.NoDelimiters = true
	require.NoError(t, c.Upload(ctx, "CTONGA", report))
	data, err = ts.report("CTONGA")
	require.NoError(t, err)
	assert.Equal(t, report, data)
}

func TestClient_InvalidBranch(t *testing.T) {
	ts := startServer(t, testOptions{})

	c := &Client{Addr: ts.addr, Timeout: 5 * time.Second}
	err := c.Upload(context.Background(), "../etc", []byte("x"))
	assert.ErrorIs(t, err, ErrNoAck)
	assert.Contains(t, err.Error(), "branch not accepted")
}

func TestClient_ReportRejected(t *testing.T) {
	ts := startServer(t, testOptions{limits: func(l *config.Limits) {
		l.MaxPayloadSize = 4
	}})

	c := &Client{Addr: ts.addr, Timeout: 5 * time.Second}
	err := c.Upload(context.Background(), "ALBNM", []byte("a report that is too large"))
	require.Error(t, err)
	_, err = ts.report("ALBNM")
	assert.Error(t, err)
}

func TestClient_ConnectError(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	c := &Client{Addr: addr, Timeout: time.Second}
	err = c.Upload(context.Background(), "ALBNM", []byte("x"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect")
}

func TestClient_Cancel(t *testing.T) {
	// A server that accepts and never answers
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer func() {
		_ = ln.Close()
	}()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			defer func() {
				_ = conn.Close()
			}()
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	c := &Client{Addr: ln.Addr().String()}
	t0 := time.Now()
	err = c.Upload(ctx, "ALBNM", []byte("x"))
	assert.ErrorIs(t, err, ErrNoAck)
	assert.Less(t, time.Since(t0), 5*time.Second)
}

func TestReadAck(t *testing.T) {
	c1, c2 := net.Pipe()
	go func() {
		_, _ = c2.Write([]byte("NO"))
		_ = c2.Close()
	}()
	err := readAck(c1)
	assert.ErrorIs(t, err, ErrNoAck)
	assert.Contains(t, err.Error(), `"NO"`)
}
