// SPDX-License-Identifier: AGPL-3.0-only
package mcpconn

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/errors"
	"github.com/gdcorp-engineering/ans-browser-extension-sub002/internal/logging"
)

// sseTransport is the HTTP-based bidirectional stream to one MCP server:
// a long-lived GET delivers server-sent events carrying JSON-RPC messages,
// and requests go out as POSTs to the same URL.
type sseTransport struct {
	url    string
	token  string
	client *http.Client
	logger *logging.Logger

	// messages delivers decoded inbound JSON-RPC messages.
	messages chan *rpcMessage

	// raw accumulates every data payload byte as it arrives, decoded or
	// not, so discovery can fall back to parsing a partial stream.
	rawMu sync.Mutex
	raw   bytes.Buffer

	cancel  context.CancelFunc
	done    chan struct{}
	closeMu sync.Mutex
	closed  bool
}

func newSSETransport(url, token string, logger *logging.Logger) *sseTransport {
	return &sseTransport{
		url:      url,
		token:    token,
		client:   &http.Client{}, // no client timeout: the stream is long-lived
		logger:   logger,
		messages: make(chan *rpcMessage, 64),
		done:     make(chan struct{}),
	}
}

// connect opens the event stream. The reader goroutine runs until the
// stream ends or the transport is closed.
func (t *sseTransport) connect(ctx context.Context) error {
	streamCtx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.url, nil)
	if err != nil {
		cancel()
		return errors.Internal(err)
	}
	req.Header.Set("Accept", "text/event-stream")
	t.setAuth(req)

	resp, err := t.client.Do(req)
	if err != nil {
		cancel()
		return errors.Transport("server unreachable, check the URL", err)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		resp.Body.Close()
		cancel()
		return errors.Transport("authentication rejected, check the bearer token",
			fmt.Errorf("status %d", resp.StatusCode))
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return errors.Transport("stream refused",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	go t.readEvents(streamCtx, resp.Body)
	return nil
}

// readEvents scans the event stream, appending data payloads to the raw
// buffer as they arrive and delivering each completed event as a decoded
// JSON-RPC message.
func (t *sseTransport) readEvents(ctx context.Context, body io.ReadCloser) {
	defer body.Close()
	defer close(t.done)
	// Only this goroutine sends on messages; closing it here lets the
	// dispatch loop drain and exit.
	defer close(t.messages)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)

	var dataBuffer strings.Builder
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line := scanner.Text()
		if line == "" {
			if dataBuffer.Len() == 0 {
				continue
			}
			payload := dataBuffer.String()
			dataBuffer.Reset()

			var msg rpcMessage
			if err := json.Unmarshal([]byte(payload), &msg); err != nil {
				t.logger.Warnf("Dropping undecodable stream event: %v", err)
				continue
			}
			select {
			case t.messages <- &msg:
			default:
				t.logger.Warnf("Inbound message queue full, dropping message id=%s", string(msg.ID))
			}
			continue
		}
		if data, ok := strings.CutPrefix(line, "data:"); ok {
			data = strings.TrimPrefix(data, " ")
			dataBuffer.WriteString(data)
			t.rawMu.Lock()
			t.raw.WriteString(data)
			t.rawMu.Unlock()
		}
	}
}

// send POSTs one JSON-RPC message to the server.
func (t *sseTransport) send(ctx context.Context, msg *rpcMessage) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return errors.Internal(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return errors.Internal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	t.setAuth(req)

	resp, err := t.client.Do(req)
	if err != nil {
		return errors.Transport("request not delivered", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return errors.Transport("request rejected",
			fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
	return nil
}

func (t *sseTransport) setAuth(req *http.Request) {
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
}

// snapshot returns a copy of every data payload byte received so far.
func (t *sseTransport) snapshot() []byte {
	t.rawMu.Lock()
	defer t.rawMu.Unlock()
	out := make([]byte, t.raw.Len())
	copy(out, t.raw.Bytes())
	return out
}

// close tears the stream down. Safe to call more than once.
func (t *sseTransport) close() {
	t.closeMu.Lock()
	defer t.closeMu.Unlock()
	if t.closed {
		return
	}
	t.closed = true
	if t.cancel != nil {
		t.cancel()
	}
}
