// Package sidecarproto implements the line-delimited JSON protocol the host
// speaks to a sidecar over its Unix domain socket: one JSON object per
// request terminated by '\n', one JSON object per response terminated by
// '\n', connection closed by the client after the response arrives. The
// shape is trimmed from the teacher's JSON-RPC envelope down to the raw
// object protocol the sidecars actually speak.
package sidecarproto

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Conn is a single short-lived connection to a sidecar socket.
type Conn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
}

// Dial opens a connection to the sidecar listening at socketPath.
func Dial(ctx context.Context, socketPath string) (*Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("sidecarproto: dial %s: %w", socketPath, err)
	}
	return &Conn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
	}, nil
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Request writes request as a single JSON line, reads back a single JSON
// line, and unmarshals it into a generic map. deadline bounds the entire
// round trip (write + read).
func (c *Conn) Request(deadline time.Time, request any) (map[string]any, error) {
	if err := c.conn.SetDeadline(deadline); err != nil {
		return nil, fmt.Errorf("sidecarproto: set deadline: %w", err)
	}

	payload, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("sidecarproto: marshal request: %w", err)
	}
	if _, err := c.writer.Write(payload); err != nil {
		return nil, fmt.Errorf("sidecarproto: write request: %w", err)
	}
	if err := c.writer.WriteByte('\n'); err != nil {
		return nil, fmt.Errorf("sidecarproto: write newline: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return nil, fmt.Errorf("sidecarproto: flush request: %w", err)
	}

	line, err := c.reader.ReadBytes('\n')
	if err != nil {
		return nil, fmt.Errorf("sidecarproto: read response: %w", err)
	}

	var response map[string]any
	if err := json.Unmarshal(line, &response); err != nil {
		return nil, fmt.Errorf("sidecarproto: unmarshal response: %w", err)
	}
	if msg, ok := response["error"]; ok {
		return response, fmt.Errorf("sidecarproto: sidecar reported error: %v", msg)
	}
	return response, nil
}

// RoundTrip dials socketPath, issues a single request under timeout, and
// closes the connection, matching the one-shot request/response contract
// every sidecar probe in this package uses.
func RoundTrip(ctx context.Context, socketPath string, timeout time.Duration, request any) (map[string]any, error) {
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, err := Dial(dialCtx, socketPath)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	return conn.Request(time.Now().Add(timeout), request)
}

// HealthRequest is the host's canonical health probe, accepted by every
// known sidecar variant.
func HealthRequest() map[string]any {
	return map[string]any{"type": "health"}
}

// KeepaliveRequest is the KYS heartbeat the embedding supervisor sends on
// heartbeatInterval.
func KeepaliveRequest(text string) map[string]any {
	return map[string]any{"type": "kys", "text": text}
}

// EmbeddingRequest asks the embedding sidecar to vectorize text.
func EmbeddingRequest(text string) map[string]any {
	return map[string]any{"text": text}
}

// DimensionRequest asks for the embedding sidecar's native/target dimensions.
func DimensionRequest() map[string]any {
	return map[string]any{"type": "get_dimension"}
}

// CoTHealthRequest is the well-known health query the CoT sidecar answers
// with any non-error JSON.
func CoTHealthRequest() map[string]any {
	return map[string]any{"__health_check__": true}
}

// Embedding extracts the embedding vector from an EmbeddingRequest response.
// ok is false when the response has no "embedding" field or it is not a
// float array.
func Embedding(response map[string]any) (vector []float64, ok bool) {
	raw, exists := response["embedding"]
	if !exists {
		return nil, false
	}
	items, isSlice := raw.([]any)
	if !isSlice {
		return nil, false
	}
	vector = make([]float64, 0, len(items))
	for _, item := range items {
		f, isFloat := item.(float64)
		if !isFloat {
			return nil, false
		}
		vector = append(vector, f)
	}
	return vector, true
}

// Dimensions extracts native/target dimension counts from a health or
// DimensionRequest response. ok is false if neither field is present.
func Dimensions(response map[string]any) (native, target int, ok bool) {
	native, nativeOK := intField(response, "native_dimensions")
	target, targetOK := intField(response, "target_dimensions")
	if !nativeOK && !targetOK {
		if caps, isMap := response["capabilities"].(map[string]any); isMap {
			native, nativeOK = intField(caps, "native_dims")
			target, targetOK = intField(caps, "target_dims")
		}
	}
	return native, target, nativeOK || targetOK
}

func intField(m map[string]any, key string) (int, bool) {
	raw, exists := m[key]
	if !exists {
		return 0, false
	}
	f, isFloat := raw.(float64)
	if !isFloat {
		return 0, false
	}
	return int(f), true
}
