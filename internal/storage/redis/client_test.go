package redis

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestNewClientRequiresAddress(t *testing.T) {
	if _, err := NewClient(context.Background(), Config{}); err == nil {
		t.Fatalf("expected error for empty address")
	}
}

func TestNewClientFailsWhenUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close()

	if _, err := NewClient(context.Background(), Config{Address: addr, DialTimeout: 200 * time.Millisecond}); err == nil {
		t.Fatalf("expected ping failure")
	}
}
