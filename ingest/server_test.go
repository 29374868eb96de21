package ingest

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/PowerDNS/simpleblob/backends/memory"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/PowerDNS/salesingest/config"
	"github.com/PowerDNS/salesingest/store"
)

const reportName = config.DefaultReportFilename

type testServer struct {
	*Server
	addr    string
	dataDir string
	st      *store.Store
	hook    *logtest.Hook
	cancel  context.CancelFunc
	done    chan error
	once    sync.Once
}

type testOptions struct {
	limits  func(l *config.Limits)
	mirror  *store.Mirror
	tracker Tracker
}

func startServer(t *testing.T, to testOptions) *testServer {
	t.Helper()
	dataDir := filepath.Join(t.TempDir(), "data")
	var storeOpts []store.Option
	if to.mirror != nil {
		storeOpts = append(storeOpts, store.WithMirror(to.mirror))
	}
	st, err := store.New(dataDir, reportName, storeOpts...)
	require.NoError(t, err)

	limits := config.Default().Limits
	limits.ReadTimeout = 5 * time.Second
	limits.WriteTimeout = 5 * time.Second
	limits.PayloadTimeout = 5 * time.Second
	limits.ShutdownTimeout = time.Second
	if to.limits != nil {
		to.limits(&limits)
	}

	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	srv := New("127.0.0.1:0", limits, st, Options{
		Logger:        logger,
		Tracker:       to.tracker,
		RecentUploads: 10,
	})
	require.NoError(t, srv.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	ts := &testServer{
		Server:  srv,
		addr:    srv.Addr().String(),
		dataDir: dataDir,
		st:      st,
		hook:    hook,
		cancel:  cancel,
		done:    make(chan error, 1),
	}
	go func() {
		ts.done <- srv.Serve(ctx)
	}()
	t.Cleanup(ts.stop)
	return ts
}

func (ts *testServer) stop() {
	ts.once.Do(func() {
		ts.cancel()
		select {
		case <-ts.done:
		case <-time.After(10 * time.Second):
			panic("server did not stop")
		}
	})
}

func (ts *testServer) report(branch string) ([]byte, error) {
	return os.ReadFile(filepath.Join(ts.dataDir, branch, reportName))
}

// waitRecorded waits until n connections have been recorded
func (ts *testServer) waitRecorded(t *testing.T, n int) []Upload {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(ts.Recent()) >= n
	}, 5*time.Second, 5*time.Millisecond)
	return ts.Recent()
}

func frame(id string) []byte {
	buf := make([]byte, 4+len(id))
	binary.BigEndian.PutUint32(buf, uint32(len(id)))
	copy(buf[4:], id)
	return buf
}

// session is a raw protocol exchange
type session struct {
	conn *net.TCPConn
}

func dial(t *testing.T, addr string) *session {
	t.Helper()
	c, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
	})
	return &session{conn: c.(*net.TCPConn)}
}

func (s *session) send(t *testing.T, b []byte) {
	t.Helper()
	_, err := s.conn.Write(b)
	require.NoError(t, err)
}

func (s *session) closeWrite(t *testing.T) {
	t.Helper()
	require.NoError(t, s.conn.CloseWrite())
}

// readN reads up to n bytes, stopping early at EOF, error or timeout
func (s *session) readN(n int, timeout time.Duration) string {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	buf := make([]byte, n)
	got, _ := io.ReadFull(s.conn, buf)
	return string(buf[:got])
}

// readRest reads until EOF or error
func (s *session) readRest(timeout time.Duration) string {
	_ = s.conn.SetReadDeadline(time.Now().Add(timeout))
	data, _ := io.ReadAll(s.conn)
	return string(data)
}

// upload runs a complete raw exchange and returns all bytes sent by the server
func upload(t *testing.T, addr string, id string, payload string) string {
	t.Helper()
	s := dial(t, addr)
	s.send(t, frame(id))
	ack1 := s.readN(2, 5*time.Second)
	if ack1 != "OK" {
		return ack1
	}
	s.send(t, []byte(payload))
	s.closeWrite(t)
	return ack1 + s.readRest(5*time.Second)
}

func TestServer_Upload(t *testing.T) {
	ts := startServer(t, testOptions{})

	acks := upload(t, ts.addr, "ALBNM", "~aGVsbG8=~")
	assert.Equal(t, "OKOK", acks)

	data, err := ts.report("ALBNM")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "ALBNM", recent[0].Branch)
	assert.Equal(t, "done", recent[0].State)
	assert.Equal(t, 5, recent[0].Bytes)
	assert.Empty(t, recent[0].Error)

	var accepted int
	for _, e := range ts.hook.AllEntries() {
		if e.Message == "Connection accepted" {
			accepted++
			assert.Contains(t, e.Data, "wait")
		}
	}
	assert.Equal(t, 1, accepted)
}

func TestServer_UploadWithoutDelimiters(t *testing.T) {
	ts := startServer(t, testOptions{})
	assert.Equal(t, "OKOK", upload(t, ts.addr, "CTONGA", "aGVsbG8="))
	data, err := ts.report("CTONGA")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestServer_Overwrite(t *testing.T) {
	ts := startServer(t, testOptions{})

	assert.Equal(t, "OKOK", upload(t, ts.addr, "ALBNM", "~aGVsbG8=~"))
	assert.Equal(t, "OKOK", upload(t, ts.addr, "ALBNM", "~aGVsbG8=~"))
	data, err := ts.report("ALBNM")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data), "same upload twice equals once")

	assert.Equal(t, "OKOK", upload(t, ts.addr, "ALBNM", "~Ynll~"))
	data, err = ts.report("ALBNM")
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))
}

func TestServer_EmptyPayload(t *testing.T) {
	ts := startServer(t, testOptions{})
	assert.Equal(t, "OKOK", upload(t, ts.addr, "ALBNM", "~~"))
	data, err := ts.report("ALBNM")
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestServer_ShortIdentifier(t *testing.T) {
	ts := startServer(t, testOptions{})

	s := dial(t, ts.addr)
	s.send(t, append(frame("ABCD")[:4], 'A', 'B'))
	s.closeWrite(t)
	assert.Equal(t, "", s.readRest(5*time.Second), "no acknowledgment")

	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "await_identifier", recent[0].State)

	entries, err := os.ReadDir(ts.dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries, "no directory created")
}

func TestServer_ShortLength(t *testing.T) {
	ts := startServer(t, testOptions{})

	s := dial(t, ts.addr)
	s.send(t, []byte{0, 0})
	s.closeWrite(t)
	assert.Equal(t, "", s.readRest(5*time.Second))

	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "await_length", recent[0].State)
}

func TestServer_EmptyIdentifier(t *testing.T) {
	ts := startServer(t, testOptions{})

	acks := upload(t, ts.addr, "", "~aGVsbG8=~")
	assert.Equal(t, "", acks)

	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "create_directory", recent[0].State)
	_, err := os.Stat(filepath.Join(ts.dataDir, reportName))
	assert.True(t, os.IsNotExist(err))

	// Server is still fine
	assert.Equal(t, "OKOK", upload(t, ts.addr, "ALBNM", "~aGVsbG8=~"))
}

func TestServer_PathTraversal(t *testing.T) {
	ts := startServer(t, testOptions{})

	for _, id := range []string{"../escape", "a/b", "..", `x\y`} {
		assert.Equal(t, "", upload(t, ts.addr, id, "~aGVsbG8=~"), id)
	}
	ts.waitRecorded(t, 4)

	_, err := os.Stat(filepath.Join(filepath.Dir(ts.dataDir), "escape"))
	assert.True(t, os.IsNotExist(err))
	entries, err := os.ReadDir(ts.dataDir)
	require.NoError(t, err)
	assert.Empty(t, entries)

	var rejected int
	for _, e := range ts.hook.AllEntries() {
		if e.Message == "Rejected branch identifier" {
			rejected++
		}
	}
	assert.Equal(t, 4, rejected)
}

func TestServer_InvalidUTF8Identifier(t *testing.T) {
	ts := startServer(t, testOptions{})
	assert.Equal(t, "OKOK", upload(t, ts.addr, "AB\xffC", "~aGVsbG8=~"))
	data, err := ts.report("AB\uFFFDC")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

func TestServer_IdentifierTooLong(t *testing.T) {
	ts := startServer(t, testOptions{limits: func(l *config.Limits) {
		l.MaxIdentifierLength = 8
	}})

	s := dial(t, ts.addr)
	s.send(t, []byte{0xff, 0xff, 0xff, 0xff})
	assert.Equal(t, "", s.readRest(5*time.Second))

	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "await_length", recent[0].State)
	assert.Contains(t, recent[0].Error, ErrIdentifierTooLong.Error())
}

func TestServer_DecodeError(t *testing.T) {
	ts := startServer(t, testOptions{})

	acks := upload(t, ts.addr, "ALBNM", "~!!!not-base64!!!~")
	assert.Equal(t, "OK", acks, "only the first acknowledgment")

	_, err := ts.report("ALBNM")
	assert.True(t, os.IsNotExist(err), "no file written")

	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "decode", recent[0].State)
}

func TestServer_PayloadTooLarge(t *testing.T) {
	ts := startServer(t, testOptions{limits: func(l *config.Limits) {
		l.MaxPayloadSize = 16
	}})

	s := dial(t, ts.addr)
	s.send(t, frame("ALBNM"))
	assert.Equal(t, "OK", s.readN(2, 5*time.Second))

	// The server may reset the connection while we are still sending
	_, _ = s.conn.Write(EncodePayload(bytes.Repeat([]byte("x"), 64), true))
	_ = s.conn.CloseWrite()
	assert.Equal(t, "", s.readRest(5*time.Second))

	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "await_payload", recent[0].State)
	assert.Contains(t, recent[0].Error, ErrPayloadTooLarge.Error())
	_, err := ts.report("ALBNM")
	assert.True(t, os.IsNotExist(err))
}

func TestServer_PayloadTimeout(t *testing.T) {
	ts := startServer(t, testOptions{limits: func(l *config.Limits) {
		l.PayloadTimeout = 100 * time.Millisecond
	}})

	s := dial(t, ts.addr)
	s.send(t, frame("ALBNM"))
	assert.Equal(t, "OK", s.readN(2, 5*time.Second))

	// Never close our side, the server gives up
	s.send(t, []byte("~aGVs"))
	t0 := time.Now()
	assert.Equal(t, "", s.readRest(5*time.Second))
	assert.Less(t, time.Since(t0), 4*time.Second)

	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "await_payload", recent[0].State)
	_, err := ts.report("ALBNM")
	assert.True(t, os.IsNotExist(err))
}

func TestServer_ShutdownClosesStalled(t *testing.T) {
	ts := startServer(t, testOptions{limits: func(l *config.Limits) {
		l.PayloadTimeout = 0
		l.ShutdownTimeout = 50 * time.Millisecond
	}})

	s := dial(t, ts.addr)
	s.send(t, frame("ALBNM"))
	assert.Equal(t, "OK", s.readN(2, 5*time.Second))
	require.Eventually(t, func() bool {
		return ts.Active() == 1
	}, 5*time.Second, 5*time.Millisecond)

	ts.stop()
	assert.Equal(t, "", s.readRest(5*time.Second))
	assert.Equal(t, 0, ts.Active())

	// The listener is gone
	_, err := net.DialTimeout("tcp", ts.addr, time.Second)
	assert.Error(t, err)
}

func TestServer_CloseStalled(t *testing.T) {
	ts := startServer(t, testOptions{limits: func(l *config.Limits) {
		l.PayloadTimeout = 0
	}})

	s := dial(t, ts.addr)
	s.send(t, frame("ALBNM"))
	assert.Equal(t, "OK", s.readN(2, 5*time.Second))

	assert.Equal(t, 0, ts.CloseStalled(time.Hour))
	assert.Equal(t, 1, ts.CloseStalled(0))
	assert.Equal(t, "", s.readRest(5*time.Second))

	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "await_payload", recent[0].State)
}

func TestServer_OverflowReject(t *testing.T) {
	ts := startServer(t, testOptions{limits: func(l *config.Limits) {
		l.MaxConnections = 1
		l.Overflow = config.OverflowReject
	}})

	// First client holds the only slot
	a := dial(t, ts.addr)
	a.send(t, frame("ALBNM"))
	assert.Equal(t, "OK", a.readN(2, 5*time.Second))

	// Second client is closed right away
	b := dial(t, ts.addr)
	_, _ = b.conn.Write(frame("CTONGA"))
	assert.Equal(t, "", b.readRest(5*time.Second))

	// First client is unaffected
	a.send(t, []byte("~aGVsbG8=~"))
	a.closeWrite(t)
	assert.Equal(t, "OK", a.readRest(5*time.Second))

	// Slot is free again
	require.Eventually(t, func() bool {
		return ts.Active() == 0
	}, 5*time.Second, 5*time.Millisecond)
	assert.Equal(t, "OKOK", upload(t, ts.addr, "CTONGA", "~aGVsbG8=~"))
}

func TestServer_OverflowWait(t *testing.T) {
	ts := startServer(t, testOptions{limits: func(l *config.Limits) {
		l.MaxConnections = 1
		l.Overflow = config.OverflowWait
	}})

	a := dial(t, ts.addr)
	a.send(t, frame("ALBNM"))
	assert.Equal(t, "OK", a.readN(2, 5*time.Second))

	// Second client queues: connected, but not served yet
	b := dial(t, ts.addr)
	b.send(t, frame("CTONGA"))
	assert.Equal(t, "", b.readN(2, 100*time.Millisecond))

	a.send(t, []byte("~aGVsbG8=~"))
	a.closeWrite(t)
	assert.Equal(t, "OK", a.readRest(5*time.Second))

	// Now the second one is served
	assert.Equal(t, "OK", b.readN(2, 5*time.Second))
	b.send(t, []byte("~Ynll~"))
	b.closeWrite(t)
	assert.Equal(t, "OK", b.readRest(5*time.Second))

	data, err := ts.report("CTONGA")
	require.NoError(t, err)
	assert.Equal(t, "bye", string(data))
}

func TestServer_ConcurrentBranches(t *testing.T) {
	ts := startServer(t, testOptions{})

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("BRANCH%02d", i)
			report := bytes.Repeat([]byte(id), 1000)
			assert.Equal(t, "OKOK", upload(t, ts.addr, id, string(EncodePayload(report, true))))
		}(i)
	}
	wg.Wait()

	for i := 0; i < n; i++ {
		id := fmt.Sprintf("BRANCH%02d", i)
		data, err := ts.report(id)
		require.NoError(t, err)
		assert.Equal(t, bytes.Repeat([]byte(id), 1000), data)
	}
}

func TestServer_ConcurrentSameBranch(t *testing.T) {
	ts := startServer(t, testOptions{})

	reports := [][]byte{
		bytes.Repeat([]byte("A"), 512*1024),
		bytes.Repeat([]byte("B"), 512*1024),
	}
	var wg sync.WaitGroup
	for _, r := range reports {
		wg.Add(1)
		go func(r []byte) {
			defer wg.Done()
			assert.Equal(t, "OKOK", upload(t, ts.addr, "ALBNM", string(EncodePayload(r, true))))
		}(r)
	}
	wg.Wait()

	data, err := ts.report("ALBNM")
	require.NoError(t, err)
	assert.True(t, bytes.Equal(data, reports[0]) || bytes.Equal(data, reports[1]),
		"report must be one of the uploads, never a mixture")
}

func TestServer_Mirror(t *testing.T) {
	mem := memory.New()
	ts := startServer(t, testOptions{mirror: store.NewMirror(mem, true, "")})

	assert.Equal(t, "OKOK", upload(t, ts.addr, "ALBNM", "~aGVsbG8=~"))
	data, err := ts.st.Mirror().Load(context.Background(), "ALBNM")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))
}

type countingTracker struct {
	success atomic.Int32
	failure atomic.Int32
}

func (c *countingTracker) AddSuccess() { c.success.Inc() }
func (c *countingTracker) AddFailure() { c.failure.Inc() }

func TestServer_PersistFailure(t *testing.T) {
	tr := &countingTracker{}
	ts := startServer(t, testOptions{tracker: tr})

	// A directory in place of the report makes the rename fail
	blocker := filepath.Join(ts.dataDir, "ALBNM", reportName, "x")
	require.NoError(t, os.MkdirAll(blocker, 0o755))

	assert.Equal(t, "OK", upload(t, ts.addr, "ALBNM", "~aGVsbG8=~"))
	recent := ts.waitRecorded(t, 1)
	assert.Equal(t, "persist", recent[0].State)
	assert.Equal(t, int32(1), tr.failure.Load())

	// Decode errors are the client's fault and do not count
	assert.Equal(t, "OK", upload(t, ts.addr, "CTONGA", "~!!!~"))
	assert.Equal(t, "OKOK", upload(t, ts.addr, "CTONGA", "~aGVsbG8=~"))
	ts.waitRecorded(t, 3)
	assert.Equal(t, int32(1), tr.failure.Load())
	assert.Equal(t, int32(1), tr.success.Load())
}

func TestServer_ListenTwice(t *testing.T) {
	ts := startServer(t, testOptions{})
	assert.Error(t, ts.Listen())
}

func TestServer_BindError(t *testing.T) {
	ts := startServer(t, testOptions{})
	st, err := store.New(t.TempDir(), reportName)
	require.NoError(t, err)
	other := New(ts.addr, config.Default().Limits, st, Options{})
	err = other.Listen()
	assert.Error(t, err)
	assert.Nil(t, other.Addr())
	assert.Error(t, other.Serve(context.Background()))
}
