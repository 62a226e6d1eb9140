package rpc

import (
	"fmt"
	"net/rpc"
	"sync"
)

// Client represents a memory pool client. It tracks its own handles
// only to fail fast on a double free before the round trip.
type Client struct {
	id     int
	client *rpc.Client

	mu      sync.Mutex
	handles map[uint64]uint64 // handle -> size, for local bookkeeping only
}

// NewClient creates a new memory pool client.
func NewClient(id int, address string) (*Client, error) {
	client, err := rpc.Dial("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("rpc: connect to %s: %w", address, err)
	}

	return &Client{
		id:      id,
		client:  client,
		handles: make(map[uint64]uint64),
	}, nil
}

// Allocate allocates memory through the server and returns the
// opaque handle identifying it.
func (c *Client) Allocate(size uint64) (uint64, error) {
	req := &AllocRequest{Size: size}
	resp := &AllocResponse{}

	if err := c.client.Call("Server.Allocate", req, resp); err != nil {
		return 0, fmt.Errorf("rpc: allocate call: %w", err)
	}
	if resp.Error != "" {
		return 0, fmt.Errorf("rpc: server: %s", resp.Error)
	}

	c.mu.Lock()
	c.handles[resp.Handle] = size
	c.mu.Unlock()
	return resp.Handle, nil
}

// Free frees memory through the server.
func (c *Client) Free(handle uint64) error {
	c.mu.Lock()
	_, known := c.handles[handle]
	if known {
		delete(c.handles, handle)
	}
	c.mu.Unlock()
	if !known {
		return fmt.Errorf("rpc: double free of handle %d", handle)
	}

	req := &FreeRequest{Handle: handle}
	resp := &FreeResponse{}
	if err := c.client.Call("Server.Free", req, resp); err != nil {
		return fmt.Errorf("rpc: free call: %w", err)
	}
	if resp.Error != "" {
		return fmt.Errorf("rpc: server: %s", resp.Error)
	}
	return nil
}

// Stats fetches the server's allocator-wide bookkeeping snapshot.
func (c *Client) Stats() (StatsResponse, error) {
	resp := StatsResponse{}
	if err := c.client.Call("Server.Stats", &struct{}{}, &resp); err != nil {
		return StatsResponse{}, fmt.Errorf("rpc: stats call: %w", err)
	}
	return resp, nil
}

// Close closes the client connection.
func (c *Client) Close() error {
	return c.client.Close()
}
