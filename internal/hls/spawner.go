package hls

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"
)

// Child is a running transcoder process handle.
type Child interface {
	Stop() error
	Kill() error
	Done() <-chan struct{}
	Alive() bool
}

// Spawner launches one RTSP->HLS transcoder writing a sliding-window
// playlist into dir. Abstracted so the manager is testable without ffmpeg.
type Spawner interface {
	Spawn(rtspURL, dir string) (Child, error)
}

// FFmpegSpawner shells out to ffmpeg with the compatibility-first flag set:
// video only, H.264 baseline, fixed 2 s keyframe cadence, mpegts segments,
// sliding window of 6 with segment deletion.
type FFmpegSpawner struct {
	Bin         string
	SegmentTime int
	WindowSize  int
}

func NewFFmpegSpawner(bin string) *FFmpegSpawner {
	if bin == "" {
		bin = "ffmpeg"
	}
	return &FFmpegSpawner{Bin: bin, SegmentTime: 2, WindowSize: 6}
}

func (s *FFmpegSpawner) Spawn(rtspURL, dir string) (Child, error) {
	if err := os.MkdirAll(dir, 0750); err != nil {
		return nil, err
	}

	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", rtspURL,
		"-analyzeduration", "100000000",
		"-probesize", "100000000",
		"-fflags", "nobuffer",
		"-flags", "low_delay",
		"-an",
		"-map", "0:v:0",
		"-c:v", "libx264",
		"-preset", "veryfast",
		"-tune", "zerolatency",
		"-pix_fmt", "yuv420p",
		"-profile:v", "baseline",
		"-level", "3.1",
		"-g", "50",
		"-keyint_min", "50",
		"-sc_threshold", "0",
		"-force_key_frames", fmt.Sprintf("expr:gte(t,n_forced*%d)", s.SegmentTime),
		"-b:v", "1500k",
		"-max_muxing_queue_size", "1024",
		"-f", "hls",
		"-hls_time", fmt.Sprintf("%d", s.SegmentTime),
		"-hls_list_size", fmt.Sprintf("%d", s.WindowSize),
		"-hls_flags", "delete_segments+program_date_time",
		"-hls_segment_type", "mpegts",
		"-hls_segment_filename", filepath.Join(dir, "segment%03d.ts"),
		filepath.Join(dir, "index.m3u8"),
	}

	cmd := exec.Command(s.Bin, args...)
	cmd.Stdout = nil
	cmd.Stderr = nil
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	c := &ffmpegChild{cmd: cmd, done: make(chan struct{})}
	go func() {
		cmd.Wait()
		close(c.done)
	}()
	return c, nil
}

type ffmpegChild struct {
	cmd      *exec.Cmd
	done     chan struct{}
	stopOnce sync.Once
}

func (c *ffmpegChild) Stop() error {
	var err error
	c.stopOnce.Do(func() {
		err = c.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-c.done:
			case <-time.After(5 * time.Second):
				c.cmd.Process.Kill()
			}
		}()
	})
	return err
}

func (c *ffmpegChild) Kill() error {
	return c.cmd.Process.Kill()
}

func (c *ffmpegChild) Done() <-chan struct{} { return c.done }

func (c *ffmpegChild) Alive() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}
