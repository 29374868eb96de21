package status

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"github.com/PowerDNS/salesingest/ingest"
	"github.com/PowerDNS/salesingest/store"
)

// Server is the part of ingest.Server shown on the status page
type Server interface {
	Active() int
	Accepted() uint64
	Recent() []ingest.Upload
}

type info struct {
	mu     sync.Mutex
	srv    Server
	st     *store.Store
	mirror *store.Mirror
}

var gi info

// ServerInfo is a snapshot of the ingest server state
type ServerInfo struct {
	Running  bool
	Active   int
	Accepted uint64
	Recent   []ingest.Upload
}

// BranchInfo describes a stored report
type BranchInfo struct {
	Branch store.Branch
	Size   string
	Err    error
}

func (i *info) ServerInfo() ServerInfo {
	i.mu.Lock()
	srv := i.srv
	i.mu.Unlock()
	if srv == nil {
		return ServerInfo{}
	}
	return ServerInfo{
		Running:  true,
		Active:   srv.Active(),
		Accepted: srv.Accepted(),
		Recent:   srv.Recent(),
	}
}

func (i *info) Branches() ([]BranchInfo, error) {
	i.mu.Lock()
	st := i.st
	i.mu.Unlock()
	if st == nil {
		return nil, nil
	}
	branches, err := st.Branches()
	if err != nil {
		return nil, err
	}
	res := make([]BranchInfo, 0, len(branches))
	for _, b := range branches {
		bi := BranchInfo{Branch: b}
		if fi, err := st.Stat(b); err != nil {
			bi.Err = err
		} else {
			bi.Size = humanSize(fi.Size())
		}
		res = append(res, bi)
	}
	return res, nil
}

// MirrorInfo describes a mirrored report
type MirrorInfo struct {
	Branch store.Branch
	Blob   string
	Size   string
	Err    error
}

func (i *info) MirrorBranches(ctx context.Context) ([]MirrorInfo, error) {
	i.mu.Lock()
	m := i.mirror
	i.mu.Unlock()
	if m == nil {
		return nil, errors.New("no mirror registered with status page")
	}
	branches, err := m.Branches(ctx)
	if err != nil {
		return nil, err
	}
	res := make([]MirrorInfo, 0, len(branches))
	for _, b := range branches {
		mi := MirrorInfo{Branch: b, Blob: m.Name(b)}
		if data, err := m.Load(ctx, b); err != nil {
			mi.Err = err
		} else {
			mi.Size = humanSize(int64(len(data)))
		}
		res = append(res, mi)
	}
	return res, nil
}

func (i *info) HasMirror() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.mirror != nil
}

// SetServer registers the ingest server with the status page
func SetServer(srv Server) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.srv = srv
}

// SetStore registers the report store with the status page
func SetStore(st *store.Store) {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.st = st
	gi.mirror = st.Mirror()
}

// reset is used by tests
func reset() {
	gi.mu.Lock()
	defer gi.mu.Unlock()
	gi.srv = nil
	gi.st = nil
	gi.mirror = nil
}
