package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// NewReplicaID returns name suffixed with a random UUID. An empty name yields
// the bare UUID.
func NewReplicaID(name string) string {
	id := uuid.NewString()
	if name == "" {
		return id
	}
	return name + ":" + id
}

type HeartbeatRequest struct {
	ReplicaID string `json:"replica_id"`
}

// JoinRequest registers a replica as a participant of the quorum being formed.
// TimeoutMS bounds how long the server holds the request open before answering
// Pending; zero means the server default. ShrinkOnly restricts the round to
// members of the previous quorum.
type JoinRequest struct {
	ReplicaID          string         `json:"replica_id"`
	Address            string         `json:"address"`
	TargetWorldSize    int            `json:"target_world_size"`
	TargetMinWorldSize int            `json:"target_min_world_size"`
	CurrentStep        int64          `json:"current_step"`
	Data               map[string]any `json:"data,omitempty"`
	TimeoutMS          int64          `json:"timeout_ms,omitempty"`
	ShrinkOnly         bool           `json:"shrink_only,omitempty"`
}

type QuorumMember struct {
	ReplicaID string         `json:"replica_id"`
	Address   string         `json:"address"`
	Rank      int            `json:"rank"`
	Step      int64          `json:"step"`
	Data      map[string]any `json:"data,omitempty"`
}

// QuorumAssignment is the finalized result of one quorum round. Members are
// ordered by rank, which follows lexical replica id order.
type QuorumAssignment struct {
	QuorumID  int64          `json:"quorum_id"`
	Step      int64          `json:"step"`
	CreatedAt time.Time      `json:"created_at"`
	Members   []QuorumMember `json:"members"`
}

// Member returns the entry for replicaID, if present.
func (q *QuorumAssignment) Member(replicaID string) (QuorumMember, bool) {
	if q == nil {
		return QuorumMember{}, false
	}
	for _, m := range q.Members {
		if m.ReplicaID == replicaID {
			return m, true
		}
	}
	return QuorumMember{}, false
}

type JoinStatus string

const (
	JoinAssigned JoinStatus = "assigned"
	JoinPending  JoinStatus = "pending"
)

type JoinResponse struct {
	Status JoinStatus        `json:"status"`
	Quorum *QuorumAssignment `json:"quorum,omitempty"`
}

func Pending() JoinResponse {
	return JoinResponse{Status: JoinPending}
}

func Assigned(q *QuorumAssignment) JoinResponse {
	return JoinResponse{Status: JoinAssigned, Quorum: q}
}

// FailureNotification announces that a replica's heartbeat expired. It is
// immutable once built and always passed by value.
type FailureNotification struct {
	ReplicaID  string    `json:"replica_id"`
	DetectedAt time.Time `json:"detected_at"`
}

// StatusResponse is a point-in-time view of the lighthouse membership state.
type StatusResponse struct {
	Heartbeats map[string]time.Time `json:"heartbeats"`
	// HeartbeatAgesMS is the time since each replica's last heartbeat, in
	// milliseconds, as seen by the lighthouse clock.
	HeartbeatAgesMS map[string]int64     `json:"heartbeat_ages_ms"`
	Participants    []string             `json:"participants"`
	Failures        map[string]time.Time `json:"failures"`
	LastQuorum      *QuorumAssignment    `json:"last_quorum,omitempty"`
	Subscribers     int                  `json:"subscribers"`
}

// HTTPError is returned by the JSON helpers for non-2xx responses.
type HTTPError struct {
	URL        string
	StatusCode int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http %s: %d", e.URL, e.StatusCode)
}

var httpClient = &http.Client{Timeout: 5 * time.Second}

func PostJSON(ctx context.Context, url string, body any, out any) error {
	return PostJSONWithClient(ctx, httpClient, url, body, out)
}

// PostJSONWithClient is PostJSON with a caller-supplied client, for requests
// such as Join whose server-side hold time can exceed the default timeout.
func PostJSONWithClient(ctx context.Context, c *http.Client, url string, body any, out any) error {
	reqBody, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(reqBody))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func GetJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &HTTPError{URL: url, StatusCode: resp.StatusCode}
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
