package auth

// Loopback HTTP listener for the OAuth redirect.
//
// Accepts exactly one valid callback, renders a success or error page, and
// passes the full callback URL back to the orchestrator. Not a real HTTP
// server: single connection at a time, request-line-only parsing, one path.

import (
	"fmt"
	"html"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/malvik/azurepim/config"
	"github.com/malvik/azurepim/logging"
)

// CallbackPort is the fixed local port the OAuth redirect URI points at.
const CallbackPort = config.DefaultCallbackPort

// callbackPath is the path component of the registered redirect URI.
const callbackPath = "/callback"

// CallbackOutcome tags a CallbackResult.
type CallbackOutcome int

const (
	// CallbackSuccess carries the full callback URL.
	CallbackSuccess CallbackOutcome = iota
	// CallbackCancelled means the listener was cancelled externally.
	CallbackCancelled
	// CallbackError means the listener failed (bind error, accept error).
	CallbackError
)

// CallbackResult is the one-shot outcome of a Listen call.
type CallbackResult struct {
	Outcome CallbackOutcome
	// URL is the reconstructed callback URL; set only on CallbackSuccess.
	URL string
	// Err describes the failure; set only on CallbackError.
	Err error
}

// CallbackListener accepts a single OAuth redirect on the loopback
// interface. One listener may be bound at a time; the port is released on
// every exit path so a superseding sign-in attempt can rebind.
type CallbackListener struct {
	port         int
	pollInterval time.Duration
	readTimeout  time.Duration

	// boundPort is the effective port after bind (differs from port only
	// when binding an ephemeral port in tests).
	boundPort int
}

// NewCallbackListener creates a listener for the fixed callback port.
func NewCallbackListener() *CallbackListener {
	return &CallbackListener{
		port:         CallbackPort,
		pollInterval: 100 * time.Millisecond,
		readTimeout:  5 * time.Second,
	}
}

// Listen blocks until one valid OAuth callback arrives, the cancel channel
// is closed, or the listener fails. It is intended to run on its own
// goroutine with the result handed back over a channel.
func (l *CallbackListener) Listen(cancel <-chan struct{}) CallbackResult {
	addr := fmt.Sprintf("127.0.0.1:%d", l.port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		logging.Error("Failed to bind callback listener", "addr", addr, "error", err.Error())
		return CallbackResult{Outcome: CallbackError, Err: fmt.Errorf("failed to start callback listener: %w", err)}
	}
	defer ln.Close()

	tcpLn, ok := ln.(*net.TCPListener)
	if !ok {
		return CallbackResult{Outcome: CallbackError, Err: fmt.Errorf("unexpected listener type %T", ln)}
	}
	l.boundPort = ln.Addr().(*net.TCPAddr).Port

	logging.Info("OAuth callback listener bound", "addr", ln.Addr().String())

	for {
		select {
		case <-cancel:
			logging.Info("Callback listener cancelled")
			return CallbackResult{Outcome: CallbackCancelled}
		default:
		}

		// Short accept deadline keeps cancellation responsive; only one
		// client ever connects, so throughput is irrelevant.
		if err := tcpLn.SetDeadline(time.Now().Add(l.pollInterval)); err != nil {
			return CallbackResult{Outcome: CallbackError, Err: fmt.Errorf("listener configuration error: %w", err)}
		}

		conn, err := ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			logging.Error("Callback listener accept failed", "error", err.Error())
			return CallbackResult{Outcome: CallbackError, Err: fmt.Errorf("connection error: %w", err)}
		}

		if u, done := l.handleConn(conn); done {
			logging.Info("OAuth callback received")
			return CallbackResult{Outcome: CallbackSuccess, URL: u}
		}
	}
}

// handleConn reads one request and reports whether it completed the flow.
// Invalid requests get an HTTP error response and leave the listener
// running.
func (l *CallbackListener) handleConn(conn net.Conn) (string, bool) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(l.readTimeout))

	buf := make([]byte, 4096)
	n, err := conn.Read(buf)
	if err != nil || n == 0 {
		logging.Debug("Failed to read callback request")
		return "", false
	}

	requestLine, _, _ := strings.Cut(string(buf[:n]), "\r\n")
	logging.Debug("Callback request", "line", requestLine)

	parts := strings.Fields(requestLine)
	if len(parts) < 2 {
		writeStatus(conn, 400, "Bad Request")
		return "", false
	}
	method, path := parts[0], parts[1]

	if method != "GET" {
		writeStatus(conn, 405, "Method Not Allowed")
		return "", false
	}
	if !strings.HasPrefix(path, callbackPath) {
		writeStatus(conn, 404, "Not Found")
		return "", false
	}

	q := pathQuery(path)
	fullURL := fmt.Sprintf("http://localhost:%d%s", l.boundPort, path)

	// Error callbacks still complete the flow; the orchestrator needs to
	// see them to transition to an error state.
	if q.Get("error") != "" {
		writeHTML(conn, errorPage(q.Get("error_description")))
		return fullURL, true
	}

	if q.Get("code") == "" {
		writeStatus(conn, 400, "Missing authorization code")
		return "", false
	}

	writeHTML(conn, successPage)
	return fullURL, true
}

// pathQuery parses the query portion of a request path. Malformed queries
// come back empty.
func pathQuery(path string) url.Values {
	_, rawQuery, _ := strings.Cut(path, "?")
	q, err := url.ParseQuery(rawQuery)
	if err != nil {
		return url.Values{}
	}
	return q
}

func writeStatus(conn net.Conn, status int, message string) {
	resp := fmt.Sprintf(
		"HTTP/1.1 %d %s\r\nContent-Type: text/plain\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		status, statusText(status), len(message), message)
	_, _ = conn.Write([]byte(resp))
}

func statusText(status int) string {
	switch status {
	case 400:
		return "Bad Request"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	default:
		return "OK"
	}
}

func writeHTML(conn net.Conn, body string) {
	resp := fmt.Sprintf(
		"HTTP/1.1 200 OK\r\nContent-Type: text/html; charset=utf-8\r\nContent-Length: %d\r\nConnection: close\r\n\r\n%s",
		len(body), body)
	_, _ = conn.Write([]byte(resp))
}

const pageStyle = `* { margin: 0; padding: 0; box-sizing: border-box; }
body {
    font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
    background: linear-gradient(135deg, #667eea 0%, #764ba2 100%);
    min-height: 100vh;
    display: flex;
    align-items: center;
    justify-content: center;
}
.container {
    background: white;
    padding: 3rem;
    border-radius: 1rem;
    box-shadow: 0 25px 50px -12px rgba(0, 0, 0, 0.25);
    text-align: center;
    max-width: 400px;
}
.icon {
    width: 80px;
    height: 80px;
    border-radius: 50%;
    display: flex;
    align-items: center;
    justify-content: center;
    margin: 0 auto 1.5rem;
}
.icon svg { width: 40px; height: 40px; stroke: white; stroke-width: 3; fill: none; }
h1 { color: #1F2937; font-size: 1.5rem; margin-bottom: 0.5rem; }
p { color: #6B7280; margin-bottom: 1.5rem; }
.hint { font-size: 0.875rem; color: #9CA3AF; }`

const successPage = `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Authentication Successful</title>
<style>` + pageStyle + `
.icon { background: #10B981; }
</style>
</head>
<body>
<div class="container">
    <div class="icon"><svg viewBox="0 0 24 24"><polyline points="20 6 9 17 4 12"></polyline></svg></div>
    <h1>Authentication Successful!</h1>
    <p>You have been signed in to Azure PIM.</p>
    <p class="hint">You can close this tab now.</p>
</div>
</body>
</html>`

// errorPage renders the failure page with the provider's decoded
// error_description, if any.
func errorPage(desc string) string {
	if desc == "" {
		desc = "Authentication was cancelled or failed."
	}
	return `<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>Authentication Failed</title>
<style>` + pageStyle + `
.icon { background: #EF4444; }
</style>
</head>
<body>
<div class="container">
    <div class="icon"><svg viewBox="0 0 24 24"><line x1="18" y1="6" x2="6" y2="18"></line><line x1="6" y1="6" x2="18" y2="18"></line></svg></div>
    <h1>Authentication Failed</h1>
    <p>` + html.EscapeString(desc) + `</p>
    <p class="hint">You can close this tab and try again.</p>
</div>
</body>
</html>`
}
