// Package rpc exposes a pooled gpa allocator over net/rpc, the way
// the teacher exposed its memory pool: a client asks the server to
// allocate or free, never touching a pointer directly (crossing a
// wire makes a raw address meaningless), so allocations are addressed
// by an opaque server-issued handle instead.
package rpc

import (
	"fmt"
	"net"
	"net/rpc"
	"sync"

	"go.uber.org/zap"

	"github.com/shenjiangwei/segfit/backing"
	"github.com/shenjiangwei/segfit/gpa"
	"github.com/shenjiangwei/segfit/gplog"
	"github.com/shenjiangwei/segfit/mpool"
	"github.com/shenjiangwei/segfit/trace"
)

// Server represents the memory pool server.
type Server struct {
	pool      *mpool.MemoryPool
	allocator *gpa.Allocator
	rpcServer *rpc.Server

	mu       sync.Mutex
	nextID   uint64
	handles  map[uint64]handleEntry
	listener net.Listener
}

type handleEntry struct {
	mem  gpa.Mem
	size uintptr
}

// AllocRequest represents a memory allocation request.
type AllocRequest struct {
	Size uint64
}

// AllocResponse represents a memory allocation response.
type AllocResponse struct {
	Handle uint64
	Error  string
}

// FreeRequest represents a memory free request.
type FreeRequest struct {
	Handle uint64
}

// FreeResponse represents a memory free response.
type FreeResponse struct {
	Error string
}

// StatsResponse reports allocator-wide bookkeeping.
type StatsResponse struct {
	LiveBytes       uint64
	LiveSmallSlots  int
	LiveLargeAllocs int
	BucketCount     int
}

// NewServer creates a new memory pool server over a fresh mmap-backed
// allocator configured for thread safety, since RPC methods run one
// goroutine per connection.
func NewServer() (*Server, error) {
	allocator := gpa.New(backing.New(), gpa.Config{
		StackTraceFrames: 8,
		ThreadSafe:       true,
		Safety:           true,
		RetainMetadata:   true,
	})
	pool, err := mpool.NewMemoryPool(allocator)
	if err != nil {
		return nil, fmt.Errorf("rpc: create memory pool: %w", err)
	}

	server := &Server{
		pool:      pool,
		allocator: allocator,
		handles:   make(map[uint64]handleEntry),
	}
	server.rpcServer = rpc.NewServer()
	if err := server.rpcServer.Register(server); err != nil {
		return nil, fmt.Errorf("rpc: register server: %w", err)
	}
	return server, nil
}

// Start starts the server on the specified address and serves until
// the listener is closed.
func (s *Server) Start(address string) error {
	listener, err := net.Listen("tcp", address)
	if err != nil {
		return fmt.Errorf("rpc: listen on %s: %w", address, err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	gplog.Info("rpc server listening", zap.String("address", address))
	for {
		conn, err := listener.Accept()
		if err != nil {
			return nil
		}
		go s.rpcServer.ServeConn(conn)
	}
}

// Allocate services an AllocRequest by pulling from the pool and
// issuing a fresh handle for the resulting allocation.
func (s *Server) Allocate(req *AllocRequest, resp *AllocResponse) error {
	mem := s.pool.Allocate(uintptr(req.Size))
	if mem.IsNil() {
		resp.Error = "allocation failed"
		return nil
	}

	s.mu.Lock()
	s.nextID++
	handle := s.nextID
	s.handles[handle] = handleEntry{mem: mem, size: uintptr(req.Size)}
	s.mu.Unlock()

	resp.Handle = handle
	return nil
}

// Free services a FreeRequest, returning the allocation to the pool
// and retiring its handle.
func (s *Server) Free(req *FreeRequest, resp *FreeResponse) error {
	s.mu.Lock()
	entry, ok := s.handles[req.Handle]
	if ok {
		delete(s.handles, req.Handle)
	}
	s.mu.Unlock()

	if !ok {
		resp.Error = "unknown handle"
		return nil
	}
	s.pool.Free(entry.mem, entry.size)
	return nil
}

// Stats services a Stats RPC with the underlying allocator's
// bookkeeping snapshot.
func (s *Server) Stats(_ *struct{}, resp *StatsResponse) error {
	stats := s.allocator.Stats()
	resp.LiveBytes = stats.LiveBytes
	resp.LiveSmallSlots = stats.LiveSmallSlots
	resp.LiveLargeAllocs = stats.LiveLargeAllocs
	resp.BucketCount = stats.BucketCount
	return nil
}

// Close closes the pool, releasing all pre-allocated memory, and the
// listener if the server was started.
func (s *Server) Close() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()

	if listener != nil {
		_ = listener.Close()
	}
	s.pool.Close()
	if leaked := s.allocator.Deinit(); leaked {
		gplog.Error("rpc server shut down with live allocations", zap.Uintptr("ret_addr", trace.ReturnAddress()))
	}
	return nil
}
