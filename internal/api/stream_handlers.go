/*
File: internal/api/stream_handlers.go
Description: Server-sent event stream of presence changes. Clients get one
snapshot frame for the users they asked about, then live updates.
*/
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/tinywideclouds/go-presence-service/internal/middleware"
	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const (
	maxStreamFilter   = 100
	keepAliveInterval = 15 * time.Second
)

// PresenceStreamHandler streams presence changes as server-sent events.
// `users` is a comma-separated filter; without it the client receives every
// presence change and an empty snapshot.
func (a *API) PresenceStreamHandler(w http.ResponseWriter, r *http.Request) {
	authedUserID, ok := middleware.GetUserIDFromContext(r.Context())
	if !ok {
		a.logger.Warn().Msg("PresenceStreamHandler: No user ID in context")
		WriteJSONError(w, http.StatusUnauthorized, "missing authentication token")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		WriteJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	userIDs := parseUserFilter(r.URL.Query().Get("users"))
	if len(userIDs) > maxStreamFilter {
		WriteJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("too many users requested, maximum is %d", maxStreamFilter))
		return
	}

	snapshot, err := a.statuses.GetStatuses(r.Context(), userIDs)
	if err != nil {
		a.logger.Error().Err(err).Msg("Presence snapshot read failed.")
		WriteJSONError(w, http.StatusServiceUnavailable, "presence store unavailable")
		return
	}

	events, cancel := a.watcher.SubscribePresence()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	log := a.logger.With().Str("user", authedUserID).Int("filter", len(userIDs)).Logger()
	log.Info().Msg("Presence stream opened.")

	if err := writeSSE(w, presence.EventSnapshot, snapshot); err != nil {
		return
	}
	flusher.Flush()

	filter := make(map[string]struct{}, len(userIDs))
	for _, id := range userIDs {
		filter[id] = struct{}{}
	}

	keepAlive := time.NewTicker(keepAliveInterval)
	defer keepAlive.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Info().Msg("Presence stream closed.")
			return
		case event := <-events:
			if len(filter) > 0 {
				if _, watched := filter[event.UserID]; !watched {
					continue
				}
			}
			if err := writeSSE(w, presence.EventPresenceUpdate, event); err != nil {
				return
			}
			flusher.Flush()
		case <-keepAlive.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func writeSSE(w http.ResponseWriter, event string, data any) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, payload)
	return err
}

func parseUserFilter(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	userIDs := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			userIDs = append(userIDs, trimmed)
		}
	}
	return userIDs
}
