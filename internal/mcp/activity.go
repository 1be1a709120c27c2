package mcp

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/sidecarhost/hostd/internal/transport"
)

// instrumentStdio replaces os.Stdin/os.Stdout with a pair of pipes so every
// byte read from the client and every byte written back to it ticks rt's
// activity clock, and a read error or EOF reports the stream as closed.
// gomcp.StdioTransport talks to the process's real os.Stdin/os.Stdout
// directly — it exposes no read/write hook of its own — so this is the
// only place client-facing traffic can be observed to drive §4.5's
// Connected/Degraded/Recovering state machine from real activity instead
// of only the keepalive loop. Call the returned restore func once the
// server has stopped.
func instrumentStdio(rt *transport.ResilientTransport, log *slog.Logger) (restore func()) {
	if rt == nil {
		return func() {}
	}
	if log == nil {
		log = slog.Default()
	}

	origStdin, origStdout := os.Stdin, os.Stdout

	inR, inW, err := os.Pipe()
	if err != nil {
		log.Warn("failed to instrument stdin activity, running uninstrumented", "error", err)
		return func() {}
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		log.Warn("failed to instrument stdout activity, running uninstrumented", "error", err)
		_ = inR.Close()
		_ = inW.Close()
		return func() {}
	}

	os.Stdin = inR
	os.Stdout = outW

	go pumpActivity(origStdin, inW, rt, "stdin_closed", log)
	go pumpActivity(outR, origStdout, rt, "stdout_closed", log)

	return func() {
		os.Stdin = origStdin
		os.Stdout = origStdout
		_ = inW.Close()
		_ = outR.Close()
	}
}

// pumpActivity copies src to dst a read at a time, calling rt.RecordActivity
// for every non-empty read and rt.HandleStreamClosed once src returns EOF
// or an error (including a failed write to dst).
func pumpActivity(src io.Reader, dst io.Writer, rt *transport.ResilientTransport, closeReason string, log *slog.Logger) {
	buf := make([]byte, 32*1024)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			if _, err := dst.Write(buf[:n]); err != nil {
				log.Warn("stdio activity pump: write failed", "error", err)
				rt.HandleStreamClosed(context.Background(), closeReason)
				return
			}
			rt.RecordActivity(context.Background())
		}
		if readErr != nil {
			if readErr != io.EOF {
				log.Warn("stdio activity pump: read failed", "error", readErr)
			}
			rt.HandleStreamClosed(context.Background(), closeReason)
			return
		}
	}
}
