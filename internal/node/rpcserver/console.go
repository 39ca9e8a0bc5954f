package rpcserver

import (
	"errors"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
)

const (
	// consoleTailBytes bounds the plain GET response to the end of the log.
	consoleTailBytes = 64 * 1024
	consolePollEvery = 500 * time.Millisecond
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The node trusts its private network; no origin policy here.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleConsole returns the tail of the VM's console log.
func (h *Handler) handleConsole(w http.ResponseWriter, r *http.Request) {
	path, err := h.manager.ConsoleLogPath(chi.URLParam(r, "id"))
	if err != nil {
		h.writeManagerError(w, err)
		return
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if stat.Size() > consoleTailBytes {
		if _, err := f.Seek(-consoleTailBytes, io.SeekEnd); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, f)
}

// handleConsoleWS streams bytes appended to the console log over a
// websocket until the client disconnects or the VM goes away.
func (h *Handler) handleConsoleWS(w http.ResponseWriter, r *http.Request) {
	path, err := h.manager.ConsoleLogPath(chi.URLParam(r, "id"))
	if err != nil {
		h.writeManagerError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	f, err := os.Open(path)
	if err != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "console log unavailable"),
			time.Now().Add(time.Second))
		return
	}
	defer f.Close()

	// Start from the current end; history is served by the plain GET.
	if _, err := f.Seek(0, io.SeekEnd); err != nil {
		return
	}

	// Drain client frames so pings and close messages are processed.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	buf := make([]byte, 4096)
	ticker := time.NewTicker(consolePollEvery)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}

		for {
			n, readErr := f.Read(buf)
			if n > 0 {
				if err := conn.WriteMessage(websocket.BinaryMessage, buf[:n]); err != nil {
					return
				}
			}
			if readErr != nil {
				break
			}
		}
	}
}
