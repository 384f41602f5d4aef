package rtsp

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"strings"
	"time"
)

// Probe performs a lightweight OPTIONS handshake against the stream host.
// Does NOT use complex libraries to keep dependency footprint low.
func Probe(ctx context.Context, rtspURL string, timeout time.Duration) error {
	u, err := Parse(rtspURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}

	addr := fmt.Sprintf("%s:%d", u.Host, u.Port)

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	defer conn.Close()

	msg := fmt.Sprintf("OPTIONS %s RTSP/1.0\r\nCSeq: 1\r\nUser-Agent: ParkWatch-Probe\r\n\r\n", rtspURL)

	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return err
	}

	if _, err := conn.Write([]byte(msg)); err != nil {
		return err
	}

	reader := bufio.NewReader(conn)
	statusLine, err := reader.ReadString('\n')
	if err != nil {
		return err
	}

	// Expect "RTSP/1.0 200 OK"
	parts := strings.Split(statusLine, " ")
	if len(parts) < 2 {
		return fmt.Errorf("malformed response: %s", statusLine)
	}

	code := parts[1]
	if code == "401" || code == "403" {
		return fmt.Errorf("auth_failed: %s", code)
	}
	if !strings.HasPrefix(code, "2") {
		return fmt.Errorf("stream_error: %s", code)
	}

	return nil
}
