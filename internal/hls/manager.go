package hls

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/technosupport/ts-parkwatch/internal/clock"
	"github.com/technosupport/ts-parkwatch/internal/metrics"
)

var ErrSpawnThrottled = errors.New("transcoder spawn throttled")

// proc is one registry entry: a transcoder child, its output directory and
// the nanosecond timestamp of the last Start or Touch call that refreshed it.
type proc struct {
	child        Child
	dir          string
	startedAt    time.Time
	lastAccessNS int64
	lastSpawnNS  int64
	dead         bool
}

// Manager owns the RTSP->HLS children, keyed by request fingerprint. One
// mutex guards the registry map; a per-fingerprint mutex serializes spawns
// so concurrent Start calls for the same URL converge on one child.
type Manager struct {
	Root        string
	Spawner     Spawner
	IdleTimeout time.Duration
	Clock       clock.Clock
	Metrics     *metrics.Metrics

	// PlaylistWait bounds how long Start blocks for the child's first
	// playlist write before returning the path anyway.
	PlaylistWait time.Duration
	// SpawnMinGap rate-limits respawn attempts per fingerprint.
	SpawnMinGap time.Duration
	// FailFastWindow: a child dying this soon after spawn is logged as a
	// fail-fast exit. Every exit, early or late, marks the entry dead.
	FailFastWindow time.Duration
	// RemoveDelay defers output-dir deletion after reap so last-byte
	// consumers can finish.
	RemoveDelay time.Duration

	mu       sync.Mutex
	registry map[string]*proc
	spawnMu  map[string]*sync.Mutex

	quit chan struct{}
	done chan struct{}
}

func NewManager(root string, spawner Spawner, idleTimeout time.Duration, clk clock.Clock, m *metrics.Metrics) *Manager {
	if clk == nil {
		clk = clock.SystemClock{}
	}
	return &Manager{
		Root:           root,
		Spawner:        spawner,
		IdleTimeout:    idleTimeout,
		Clock:          clk,
		Metrics:        m,
		PlaylistWait:   10 * time.Second,
		SpawnMinGap:    2 * time.Second,
		FailFastWindow: 2 * time.Second,
		RemoveDelay:    30 * time.Second,
		registry:       make(map[string]*proc),
		spawnMu:        make(map[string]*sync.Mutex),
		quit:           make(chan struct{}),
		done:           make(chan struct{}),
	}
}

// Fingerprint derives the stable key for an RTSP URL.
func Fingerprint(rtspURL string) string {
	sum := sha1.Sum([]byte(rtspURL))
	return hex.EncodeToString(sum[:])[:16]
}

// PlaylistPath is where the child for fp writes its playlist.
func (m *Manager) PlaylistPath(fp string) string {
	return filepath.Join(m.Root, fp, "index.m3u8")
}

// Start returns the playlist path for the URL, reusing a live child when one
// exists and spawning otherwise.
func (m *Manager) Start(ctx context.Context, rtspURL string) (string, error) {
	fp := Fingerprint(rtspURL)
	spawnLock := m.spawnLock(fp)
	spawnLock.Lock()
	defer spawnLock.Unlock()

	now := m.Clock.Now()

	m.mu.Lock()
	p, ok := m.registry[fp]
	if ok && !p.dead && p.child.Alive() {
		p.lastAccessNS = now.UnixNano()
		m.mu.Unlock()
		return m.PlaylistPath(fp), nil
	}
	var lastSpawn int64
	if ok {
		lastSpawn = p.lastSpawnNS
	}
	m.mu.Unlock()

	if lastSpawn != 0 && now.UnixNano()-lastSpawn < m.SpawnMinGap.Nanoseconds() {
		if m.Metrics != nil {
			m.Metrics.HLSSpawnsTotal.WithLabelValues("throttled").Inc()
		}
		return "", ErrSpawnThrottled
	}

	dir := filepath.Join(m.Root, fp)
	child, err := m.Spawner.Spawn(rtspURL, dir)
	if err != nil {
		if m.Metrics != nil {
			m.Metrics.HLSSpawnsTotal.WithLabelValues("error").Inc()
		}
		m.recordSpawnAttempt(fp, dir, now)
		return "", fmt.Errorf("spawn transcoder: %w", err)
	}

	np := &proc{
		child:        child,
		dir:          dir,
		startedAt:    now,
		lastAccessNS: now.UnixNano(),
		lastSpawnNS:  now.UnixNano(),
	}
	m.mu.Lock()
	m.registry[fp] = np
	if m.Metrics != nil {
		m.Metrics.HLSChildren.Set(float64(len(m.registry)))
	}
	m.mu.Unlock()
	if m.Metrics != nil {
		m.Metrics.HLSSpawnsTotal.WithLabelValues("ok").Inc()
	}

	go m.watchChild(fp, np)

	if err := m.waitForPlaylist(ctx, m.PlaylistPath(fp)); err != nil {
		log.Printf("[HLS] %s: playlist not ready yet: %v", fp, err)
	}
	return m.PlaylistPath(fp), nil
}

// Touch refreshes the last-access timestamp, used by the delivery handler so
// active viewers keep their child alive.
func (m *Manager) Touch(fp string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.registry[fp]; ok {
		p.lastAccessNS = m.Clock.Now().UnixNano()
	}
}

// Live reports whether a fingerprint has a running child.
func (m *Manager) Live(fp string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.registry[fp]
	return ok && !p.dead && p.child.Alive()
}

func (m *Manager) recordSpawnAttempt(fp, dir string, now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.registry[fp]; ok {
		p.lastSpawnNS = now.UnixNano()
		p.dead = true
		return
	}
	m.registry[fp] = &proc{dir: dir, dead: true, lastSpawnNS: now.UnixNano(), lastAccessNS: now.UnixNano(), child: deadChild{}}
}

// watchChild flags every child exit as dead so the next Start respawns
// instead of reusing a corpse, and logs exits inside FailFastWindow.
func (m *Manager) watchChild(fp string, p *proc) {
	<-p.child.Done()
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.registry[fp]; ok && cur == p {
		p.dead = true
		if m.Clock.Now().Sub(p.startedAt) < m.FailFastWindow {
			log.Printf("[HLS] %s: transcoder died within %s of spawn", fp, m.FailFastWindow)
		}
	}
}

// waitForPlaylist blocks until the child writes its first playlist, watching
// the output directory. Falls back to polling when the watcher cannot be
// created.
func (m *Manager) waitForPlaylist(ctx context.Context, playlist string) error {
	if _, err := os.Stat(playlist); err == nil {
		return nil
	}

	deadline := time.After(m.PlaylistWait)

	watcher, err := fsnotify.NewWatcher()
	if err == nil {
		defer watcher.Close()
		if werr := watcher.Add(filepath.Dir(playlist)); werr == nil {
			for {
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-deadline:
					return fmt.Errorf("playlist did not appear within %s", m.PlaylistWait)
				case ev := <-watcher.Events:
					if ev.Name == playlist && (ev.Op&(fsnotify.Create|fsnotify.Write)) != 0 {
						return nil
					}
				case <-watcher.Errors:
				}
			}
		}
	}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline:
			return fmt.Errorf("playlist did not appear within %s", m.PlaylistWait)
		case <-ticker.C:
			if _, err := os.Stat(playlist); err == nil {
				return nil
			}
		}
	}
}

func (m *Manager) spawnLock(fp string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.spawnMu[fp]
	if !ok {
		lock = &sync.Mutex{}
		m.spawnMu[fp] = lock
	}
	return lock
}

// StartReaper launches the idle sweep loop.
func (m *Manager) StartReaper(interval time.Duration) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.quit:
				return
			case <-ticker.C:
				m.Reap()
			}
		}
	}()
}

// Stop terminates the reaper and every live child.
func (m *Manager) Stop() {
	close(m.quit)
	<-m.done

	m.mu.Lock()
	defer m.mu.Unlock()
	for fp, p := range m.registry {
		if p.child != nil && p.child.Alive() {
			p.child.Stop()
		}
		delete(m.registry, fp)
	}
	if m.Metrics != nil {
		m.Metrics.HLSChildren.Set(0)
	}
}

// Reap terminates children idle past the timeout, schedules their output
// directory for deferred deletion and drops the registry entries.
func (m *Manager) Reap() {
	now := m.Clock.Now().UnixNano()

	m.mu.Lock()
	var victims []*proc
	for fp, p := range m.registry {
		idle := time.Duration(now - p.lastAccessNS)
		if idle > m.IdleTimeout || (p.dead && idle > m.SpawnMinGap) {
			victims = append(victims, p)
			delete(m.registry, fp)
			log.Printf("[HLS] reaping %s after %s idle", fp, idle.Truncate(time.Second))
		}
	}
	if m.Metrics != nil {
		m.Metrics.HLSChildren.Set(float64(len(m.registry)))
	}
	m.mu.Unlock()

	for _, p := range victims {
		if p.child != nil && p.child.Alive() {
			p.child.Stop()
		}
		dir := p.dir
		time.AfterFunc(m.RemoveDelay, func() {
			if err := os.RemoveAll(dir); err != nil {
				log.Printf("[HLS] remove %s: %v", dir, err)
			}
		})
	}
}

// deadChild stands in for a spawn that never produced a process.
type deadChild struct{}

func (deadChild) Stop() error           { return nil }
func (deadChild) Kill() error           { return nil }
func (deadChild) Alive() bool           { return false }
func (deadChild) Done() <-chan struct{} { ch := make(chan struct{}); close(ch); return ch }
