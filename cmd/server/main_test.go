package main

import (
	"context"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/example/rider-assignment/internal/logging"
)

func TestServeStopsBackgroundWhenListenFails(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	stopped := make(chan struct{})
	loop := func(ctx context.Context) {
		<-ctx.Done()
		close(stopped)
	}
	done := make(chan error, 1)
	go func() {
		done <- serve(context.Background(), &http.Server{Addr: ln.Addr().String()}, time.Second, logging.Discard(), loop)
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Fatal("expected the bind error")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve hung after the listener failed")
	}
	select {
	case <-stopped:
	default:
		t.Fatal("background loop was not stopped")
	}
}

func TestServeReturnsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- serve(ctx, &http.Server{Addr: "127.0.0.1:0"}, time.Second, logging.Discard(), func(ctx context.Context) {
			<-ctx.Done()
			close(stopped)
		})
	}()
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("serve: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("serve did not return after cancel")
	}
	<-stopped
}
