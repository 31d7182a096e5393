package auth

import (
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"
)

// freePort grabs an ephemeral port and releases it for the listener under
// test to rebind.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to find free port: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func startListener(t *testing.T, port int, cancel <-chan struct{}) <-chan CallbackResult {
	t.Helper()
	l := NewCallbackListener()
	l.port = port
	l.pollInterval = 20 * time.Millisecond

	results := make(chan CallbackResult, 1)
	go func() {
		results <- l.Listen(cancel)
	}()
	return results
}

// dialCallback connects to the listener with retries to cover bind latency,
// sends one raw HTTP request, and returns the response.
func dialCallback(t *testing.T, port int, request string) string {
	t.Helper()
	var conn net.Conn
	var err error
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("failed to connect to listener: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte(request)); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, _ := io.ReadAll(conn)
	return string(resp)
}

func awaitResult(t *testing.T, results <-chan CallbackResult) CallbackResult {
	t.Helper()
	select {
	case r := <-results:
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("listener did not complete in time")
		return CallbackResult{}
	}
}

func TestCallbackListenerSuccess(t *testing.T) {
	port := freePort(t)
	results := startListener(t, port, make(chan struct{}))

	resp := dialCallback(t, port, "GET /callback?code=abc123&state=xyz789 HTTP/1.1\r\nHost: localhost\r\n\r\n")
	if !strings.Contains(resp, "200 OK") {
		t.Errorf("response = %q, want 200 OK", resp)
	}
	if !strings.Contains(resp, "Authentication Successful") {
		t.Errorf("response should carry the success page, got %q", resp)
	}

	r := awaitResult(t, results)
	if r.Outcome != CallbackSuccess {
		t.Fatalf("Outcome = %v, want CallbackSuccess", r.Outcome)
	}
	code, state, err := ParseCallbackURL(r.URL)
	if err != nil {
		t.Fatalf("ParseCallbackURL(%q) error = %v", r.URL, err)
	}
	if code != "abc123" || state != "xyz789" {
		t.Errorf("code, state = %q, %q, want abc123, xyz789", code, state)
	}
}

func TestCallbackListenerErrorCallback(t *testing.T) {
	port := freePort(t)
	results := startListener(t, port, make(chan struct{}))

	resp := dialCallback(t, port, "GET /callback?error=access_denied&error_description=User%20cancelled HTTP/1.1\r\n\r\n")
	if !strings.Contains(resp, "Authentication Failed") {
		t.Errorf("response should carry the error page, got %q", resp)
	}
	if !strings.Contains(resp, "User cancelled") {
		t.Errorf("error page should show the decoded description, got %q", resp)
	}

	r := awaitResult(t, results)
	if r.Outcome != CallbackSuccess {
		t.Fatalf("Outcome = %v, want CallbackSuccess for error callbacks", r.Outcome)
	}
	if !strings.Contains(r.URL, "error=access_denied") {
		t.Errorf("URL = %q, want error parameter preserved", r.URL)
	}
}

func TestCallbackListenerRejectsInvalidRequests(t *testing.T) {
	port := freePort(t)
	results := startListener(t, port, make(chan struct{}))

	// Each invalid request gets an error response and the listener stays up.
	cases := []struct {
		request string
		status  string
	}{
		{"POST /callback HTTP/1.1\r\n\r\n", "405"},
		{"GET /favicon.ico HTTP/1.1\r\n\r\n", "404"},
		{"GET /callback?state=only HTTP/1.1\r\n\r\n", "400"},
	}
	for _, tc := range cases {
		resp := dialCallback(t, port, tc.request)
		if !strings.Contains(resp, tc.status) {
			t.Errorf("request %q: response = %q, want status %s", tc.request, resp, tc.status)
		}
	}

	select {
	case r := <-results:
		t.Fatalf("listener completed early with %+v", r)
	default:
	}

	dialCallback(t, port, "GET /callback?code=late&state=s HTTP/1.1\r\n\r\n")
	r := awaitResult(t, results)
	if r.Outcome != CallbackSuccess {
		t.Errorf("Outcome = %v, want CallbackSuccess after invalid requests", r.Outcome)
	}
}

func TestCallbackListenerCancel(t *testing.T) {
	port := freePort(t)
	cancel := make(chan struct{})
	results := startListener(t, port, cancel)

	// Let the listener bind before cancelling.
	dialCallback(t, port, "GET /other HTTP/1.1\r\n\r\n")
	close(cancel)

	r := awaitResult(t, results)
	if r.Outcome != CallbackCancelled {
		t.Fatalf("Outcome = %v, want CallbackCancelled", r.Outcome)
	}

	// The port must be free for a superseding attempt.
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port not released after cancel: %v", err)
	}
	ln.Close()
}

func TestCallbackListenerReleasesPortAfterSuccess(t *testing.T) {
	port := freePort(t)
	results := startListener(t, port, make(chan struct{}))

	dialCallback(t, port, "GET /callback?code=c&state=s HTTP/1.1\r\n\r\n")
	awaitResult(t, results)

	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("port not released after success: %v", err)
	}
	ln.Close()
}

func TestCallbackListenerBindConflict(t *testing.T) {
	port := freePort(t)
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		t.Fatalf("setup listen failed: %v", err)
	}
	defer ln.Close()

	l := NewCallbackListener()
	l.port = port
	r := l.Listen(make(chan struct{}))
	if r.Outcome != CallbackError {
		t.Fatalf("Outcome = %v, want CallbackError on bind conflict", r.Outcome)
	}
	if r.Err == nil {
		t.Error("Err should describe the bind failure")
	}
}
