/*
File: internal/api/leadership_handlers.go
Description: HTTP handlers for channel lease arbitration. Every endpoint
returns the same envelope: {success, channel, leader, reason}; status adds
the claim history.
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/tinywideclouds/go-presence-service/pkg/presence"
)

const (
	reasonOccupied               = "occupied"
	reasonNotHolder              = "not_holder"
	reasonArbitrationUnavailable = "arbitration_unavailable"
)

// leaseCoordinator is the slice of the leadership coordinator the API uses.
type leaseCoordinator interface {
	Claim(ctx context.Context, channel string, req presence.LeaseRequest) (*presence.LeaseRecord, error)
	Heartbeat(ctx context.Context, channel, instanceID string, ttl time.Duration) (*presence.LeaseRecord, error)
	Release(ctx context.Context, channel, instanceID string) error
	Status(ctx context.Context, channel string) (*presence.LeaseStatus, error)
}

type leaseResponse struct {
	Success bool                    `json:"success"`
	Channel string                  `json:"channel"`
	Leader  *presence.LeaseRecord   `json:"leader,omitempty"`
	Reason  string                  `json:"reason,omitempty"`
	History []presence.ClaimHistory `json:"history,omitempty"`
}

type leaseRequestBody struct {
	InstanceID string            `json:"instanceId"`
	TabID      string            `json:"tabId"`
	TTLSeconds int               `json:"ttlSeconds"`
	Metadata   map[string]string `json:"metadata"`
}

func (b leaseRequestBody) ttl() time.Duration {
	return time.Duration(b.TTLSeconds) * time.Second
}

// LeadershipStatusHandler reports the current holder and claim history.
func (a *API) LeadershipStatusHandler(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	if channel == "" {
		WriteJSONError(w, http.StatusBadRequest, "channel is required")
		return
	}

	status, err := a.coordinator.Status(r.Context(), channel)
	if err != nil {
		a.logger.Error().Err(err).Str("channel", channel).Msg("Lease status read failed.")
		WriteJSON(w, http.StatusServiceUnavailable, leaseResponse{
			Channel: channel,
			Reason:  reasonArbitrationUnavailable,
		})
		return
	}
	WriteJSON(w, http.StatusOK, leaseResponse{
		Success: true,
		Channel: status.Channel,
		Leader:  status.Leader,
		History: status.History,
	})
}

// LeadershipClaimHandler attempts to take the channel for the caller.
func (a *API) LeadershipClaimHandler(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	body, ok := a.decodeLeaseBody(w, r)
	if !ok {
		return
	}

	record, err := a.coordinator.Claim(r.Context(), channel, presence.LeaseRequest{
		InstanceID: body.InstanceID,
		TabID:      body.TabID,
		TTL:        body.ttl(),
		Metadata:   body.Metadata,
	})
	if err != nil {
		a.writeLeaseFailure(r.Context(), w, channel, err)
		return
	}
	WriteJSON(w, http.StatusOK, leaseResponse{Success: true, Channel: channel, Leader: record})
}

// LeadershipHeartbeatHandler renews the caller's lease.
func (a *API) LeadershipHeartbeatHandler(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	body, ok := a.decodeLeaseBody(w, r)
	if !ok {
		return
	}

	record, err := a.coordinator.Heartbeat(r.Context(), channel, body.InstanceID, body.ttl())
	if err != nil {
		a.writeLeaseFailure(r.Context(), w, channel, err)
		return
	}
	WriteJSON(w, http.StatusOK, leaseResponse{Success: true, Channel: channel, Leader: record})
}

// LeadershipReleaseHandler gives the channel up voluntarily.
func (a *API) LeadershipReleaseHandler(w http.ResponseWriter, r *http.Request) {
	channel := chi.URLParam(r, "channel")
	body, ok := a.decodeLeaseBody(w, r)
	if !ok {
		return
	}

	if err := a.coordinator.Release(r.Context(), channel, body.InstanceID); err != nil {
		a.writeLeaseFailure(r.Context(), w, channel, err)
		return
	}
	WriteJSON(w, http.StatusOK, leaseResponse{Success: true, Channel: channel})
}

func (a *API) decodeLeaseBody(w http.ResponseWriter, r *http.Request) (leaseRequestBody, bool) {
	var body leaseRequestBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		WriteJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return body, false
	}
	if body.InstanceID == "" {
		WriteJSONError(w, http.StatusBadRequest, "instanceId is required")
		return body, false
	}
	return body, true
}

// writeLeaseFailure maps arbitration outcomes onto the response envelope. The
// current leader is attached where it is known, so a rejected claimant can
// show who holds the channel.
func (a *API) writeLeaseFailure(ctx context.Context, w http.ResponseWriter, channel string, err error) {
	resp := leaseResponse{Channel: channel}
	status := http.StatusConflict

	switch {
	case errors.Is(err, presence.ErrOccupied):
		resp.Reason = reasonOccupied
	case errors.Is(err, presence.ErrNotHolder):
		resp.Reason = reasonNotHolder
	case errors.Is(err, presence.ErrArbitrationUnavailable):
		resp.Reason = reasonArbitrationUnavailable
		status = http.StatusServiceUnavailable
	default:
		a.logger.Error().Err(err).Str("channel", channel).Msg("Lease operation failed.")
		WriteJSONError(w, http.StatusInternalServerError, "lease operation failed")
		return
	}

	if resp.Reason != reasonArbitrationUnavailable {
		if current, serr := a.coordinator.Status(ctx, channel); serr == nil {
			resp.Leader = current.Leader
		}
	}
	a.leaseLogger(channel, resp.Reason).Msg("Lease operation rejected.")
	WriteJSON(w, status, resp)
}

func (a *API) leaseLogger(channel, reason string) *zerolog.Event {
	return a.logger.Info().Str("channel", channel).Str("reason", reason)
}
