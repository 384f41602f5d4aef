package api

import (
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/technosupport/ts-parkwatch/internal/data"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // surface runs behind a trusted boundary
	},
}

// StatusWsHandler streams per-date task status aggregates so the UI can
// follow a running capture day without polling the list endpoint.
type StatusWsHandler struct {
	Tasks    data.TaskRepository
	Interval time.Duration
}

func NewStatusWsHandler(tasks data.TaskRepository) *StatusWsHandler {
	return &StatusWsHandler{Tasks: tasks, Interval: 2 * time.Second}
}

type statusFrame struct {
	Date   string         `json:"date"`
	Counts map[string]int `json:"counts"`
	TS     int64          `json:"ts"`
}

func (h *StatusWsHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		http.Error(w, "date required", http.StatusBadRequest)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("[WS] upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	// Reader loop only to detect close; clients don't send anything useful.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		counts, err := h.Tasks.CountByStatus(r.Context(), date)
		if err != nil {
			log.Printf("[WS] status query failed: %v", err)
			return
		}
		frame := statusFrame{Date: date, Counts: counts, TS: time.Now().Unix()}
		if err := conn.WriteJSON(frame); err != nil {
			return
		}

		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}
