package oauth

import (
	"context"
	"fmt"
	"net"
	"net/http"
)

// loopbackListener is the single-shot local HTTP server that catches the
// PKCE authorization redirect.
type loopbackListener struct {
	listener    net.Listener
	server      *http.Server
	redirectURI string
	result      chan callbackResult
}

type callbackResult struct {
	code  string
	state string
	err   error
}

// newLoopbackListener binds 127.0.0.1:0 (an OS-assigned free port) and
// starts serving, but does not block: the caller must call awaitCallback
// to wait for exactly one redirect.
func newLoopbackListener() (*loopbackListener, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	port := ln.Addr().(*net.TCPAddr).Port

	l := &loopbackListener{
		listener:    ln,
		redirectURI: fmt.Sprintf("http://127.0.0.1:%d/callback", port),
		result:      make(chan callbackResult, 1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", l.handle)
	l.server = &http.Server{Handler: mux}

	go l.server.Serve(ln)
	return l, nil
}

func (l *loopbackListener) handle(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if errParam := q.Get("error"); errParam != "" {
		l.deliver(callbackResult{err: fmt.Errorf("authorization denied: %s", errParam)})
		fmt.Fprintln(w, "Authorization failed, you may close this window.")
		return
	}
	l.deliver(callbackResult{code: q.Get("code"), state: q.Get("state")})
	fmt.Fprintln(w, "Authorization complete, you may close this window.")
}

func (l *loopbackListener) deliver(r callbackResult) {
	select {
	case l.result <- r:
	default:
		// a result was already delivered (e.g. a duplicate browser
		// request); only the first callback counts, per "single-shot".
	}
}

// awaitCallback blocks for exactly one redirect, validates its state
// parameter against expectedState, and returns the authorization code.
func (l *loopbackListener) awaitCallback(ctx context.Context, expectedState string) (string, error) {
	select {
	case r := <-l.result:
		if r.err != nil {
			return "", r.err
		}
		if r.state != expectedState {
			return "", fmt.Errorf("antigravity: state mismatch in callback")
		}
		return r.code, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (l *loopbackListener) Close() error {
	return l.server.Close()
}
