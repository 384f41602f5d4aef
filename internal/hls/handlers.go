package hls

import (
	"encoding/json"
	"log"
	"net/http"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/technosupport/ts-parkwatch/internal/platform/paths"
)

var (
	fpRegex   = regexp.MustCompile(`^[a-f0-9]{16}$`)
	fileRegex = regexp.MustCompile(`^[a-zA-Z0-9_\-\.]+\.(m3u8|ts)$`)
)

// Handler exposes the gateway surface: start-or-reuse a transcoder and
// deliver its playlist and segments.
type Handler struct {
	Manager *Manager
}

func NewHandler(m *Manager) *Handler {
	return &Handler{Manager: m}
}

type startRequest struct {
	RTSPURL string `json:"rtsp_url"`
}

type startResponse struct {
	Fingerprint string `json:"fingerprint"`
	PlaylistURL string `json:"playlist_url"`
}

// StartStream spawns or reuses the transcoder for the posted URL and returns
// the browser-facing playlist path.
func (h *Handler) StartStream(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || !strings.HasPrefix(req.RTSPURL, "rtsp://") {
		http.Error(w, "rtsp_url required", http.StatusBadRequest)
		return
	}

	if _, err := h.Manager.Start(r.Context(), req.RTSPURL); err != nil {
		log.Printf("[HLS] start failed: %v", err)
		status := http.StatusBadGateway
		if err == ErrSpawnThrottled {
			status = http.StatusTooManyRequests
		}
		http.Error(w, err.Error(), status)
		return
	}

	fp := Fingerprint(req.RTSPURL)
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(startResponse{
		Fingerprint: fp,
		PlaylistURL: "/hls/" + fp + "/index.m3u8",
	})
}

// ServeHLS delivers playlists and segments from the fingerprint-scoped
// output directory. Every hit refreshes the child's idle clock.
func (h *Handler) ServeHLS(w http.ResponseWriter, r *http.Request) {
	fp := chi.URLParam(r, "fingerprint")
	file := chi.URLParam(r, "file")

	if !fpRegex.MatchString(fp) || !fileRegex.MatchString(file) {
		http.Error(w, "Invalid request parameters", http.StatusBadRequest)
		return
	}

	h.Manager.Touch(fp)

	targetPath, err := paths.SafeJoin(h.Manager.Root, fp, file)
	if err != nil {
		http.Error(w, "Invalid path", http.StatusBadRequest)
		return
	}

	if strings.HasSuffix(file, ".m3u8") {
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate")
	} else {
		w.Header().Set("Content-Type", "video/mp2t")
		w.Header().Set("Cache-Control", "private, max-age=3600")
	}

	http.ServeFile(w, r, targetPath)
}

func (h *Handler) Register(r chi.Router) {
	r.Post("/api/v1/hls/start", h.StartStream)
	r.Get("/hls/{fingerprint}/{file}", h.ServeHLS)
}
