package mapsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// MapSnapshot is an authoritative full-document state used by full sync.
type MapSnapshot struct {
	MapID       string      `json:"mapId"`
	Nodes       []*Node     `json:"nodes"`
	VectorClock VectorClock `json:"vectorClock"`
	Version     int64       `json:"version"`
	TakenAt     time.Time   `json:"takenAt"`
}

// SnapshotSource is the collaborator contract for full-document fetch and
// replace. The engine consumes it as an opaque request/response API.
type SnapshotSource interface {
	FetchSnapshot(ctx context.Context, mapID string) (*MapSnapshot, error)
	ReplaceSnapshot(ctx context.Context, snapshot *MapSnapshot) error
}

// HTTPSnapshotSource implements SnapshotSource against the relay server's
// snapshot endpoints.
type HTTPSnapshotSource struct {
	baseURL string
	token   string
	client  *http.Client
	logger  *zap.Logger
}

// NewHTTPSnapshotSource creates a snapshot source rooted at baseURL,
// authenticating with the given bearer token.
func NewHTTPSnapshotSource(baseURL, token string, logger *zap.Logger) *HTTPSnapshotSource {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPSnapshotSource{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: 15 * time.Second},
		logger:  logger,
	}
}

// FetchSnapshot retrieves the authoritative snapshot for one map.
func (s *HTTPSnapshotSource) FetchSnapshot(ctx context.Context, mapID string) (*MapSnapshot, error) {
	url := fmt.Sprintf("%s/maps/%s/snapshot", s.baseURL, mapID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("snapshot fetch returned %d: %s", resp.StatusCode, body)
	}

	var snapshot MapSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&snapshot); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot: %w", err)
	}

	s.logger.Debug("Snapshot fetched",
		zap.String("map_id", mapID),
		zap.Int("node_count", len(snapshot.Nodes)),
		zap.Int64("version", snapshot.Version))
	return &snapshot, nil
}

// ReplaceSnapshot uploads a full-document replacement.
func (s *HTTPSnapshotSource) ReplaceSnapshot(ctx context.Context, snapshot *MapSnapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	url := fmt.Sprintf("%s/maps/%s/snapshot", s.baseURL, snapshot.MapID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to build snapshot request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("snapshot replace returned %d: %s", resp.StatusCode, body)
	}
	return nil
}
