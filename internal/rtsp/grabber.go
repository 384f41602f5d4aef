package rtsp

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// ErrTransport marks connect/read failures that are worth retrying.
// Everything else from the grabber is a decode failure and is not.
var ErrTransport = errors.New("rtsp transport failure")

// Grabber yields one decoded frame (JPEG bytes) from a stream URL.
type Grabber interface {
	Grab(ctx context.Context, rtspURL string, connectTimeout, readTimeout time.Duration) ([]byte, error)
}

// FFmpegGrabber shells out to ffmpeg to pull the first keyframe and encode
// it as JPEG on stdout. TCP transport, like the rest of this ecosystem.
type FFmpegGrabber struct {
	Bin string
}

func NewFFmpegGrabber(bin string) *FFmpegGrabber {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegGrabber{Bin: bin}
}

func (g *FFmpegGrabber) Grab(ctx context.Context, rtspURL string, connectTimeout, readTimeout time.Duration) ([]byte, error) {
	deadline := connectTimeout + readTimeout
	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-stimeout", fmt.Sprintf("%d", connectTimeout.Microseconds()),
		"-i", rtspURL,
		"-frames:v", "1",
		"-f", "image2",
		"-c:v", "mjpeg",
		"-q:v", "2",
		"pipe:1",
	}

	cmd := exec.CommandContext(ctx, g.Bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("%w: timeout after %s", ErrTransport, deadline)
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		if isTransportError(msg) {
			return nil, fmt.Errorf("%w: %s", ErrTransport, firstLine(msg))
		}
		return nil, fmt.Errorf("decode failed: %s", firstLine(msg))
	}

	frame := stdout.Bytes()
	if len(frame) == 0 {
		return nil, fmt.Errorf("decode failed: stream yielded no frame")
	}
	return frame, nil
}

func isTransportError(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"connection refused",
		"connection reset",
		"connection timed out",
		"network is unreachable",
		"no route to host",
		"host is unreachable",
		"operation timed out",
		"timed out",
		"broken pipe",
		"401 unauthorized",
		"453 not enough bandwidth",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		return s[:idx]
	}
	return s
}
