package rpc

import (
	"testing"
	"time"
)

const serverAddress = "localhost:41234"

func TestRPCClientServer(t *testing.T) {
	server, err := NewServer()
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	defer server.Close()

	go func() {
		if err := server.Start(serverAddress); err != nil {
			t.Errorf("server error: %v", err)
		}
	}()
	time.Sleep(100 * time.Millisecond)

	const numClients = 5
	clients := make([]*Client, numClients)
	for i := 0; i < numClients; i++ {
		client, err := NewClient(i, serverAddress)
		if err != nil {
			t.Fatalf("failed to create client %d: %v", i, err)
		}
		clients[i] = client
		defer client.Close()
	}

	done := make(chan error, numClients)
	for i, client := range clients {
		go func(id int, c *Client) {
			handle, err := c.Allocate(1024 * 1024) // 1MB
			if err != nil {
				done <- err
				return
			}
			time.Sleep(10 * time.Millisecond)
			done <- c.Free(handle)
		}(i, client)
	}

	for i := 0; i < numClients; i++ {
		if err := <-done; err != nil {
			t.Errorf("client operation failed: %v", err)
		}
	}

	stats, err := clients[0].Stats()
	if err != nil {
		t.Fatalf("stats call failed: %v", err)
	}
	if stats.LiveLargeAllocs < 0 {
		t.Fatalf("impossible stats: %+v", stats)
	}
}

func TestClientDoubleFreeIsRejectedLocally(t *testing.T) {
	server, err := NewServer()
	if err != nil {
		t.Fatalf("failed to create server: %v", err)
	}
	defer server.Close()

	go func() {
		_ = server.Start("localhost:41235")
	}()
	time.Sleep(100 * time.Millisecond)

	client, err := NewClient(0, "localhost:41235")
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer client.Close()

	handle, err := client.Allocate(4096)
	if err != nil {
		t.Fatalf("allocate failed: %v", err)
	}
	if err := client.Free(handle); err != nil {
		t.Fatalf("first free failed: %v", err)
	}
	if err := client.Free(handle); err == nil {
		t.Fatalf("expected second free of the same handle to be rejected")
	}
}
