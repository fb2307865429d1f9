package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/dreamware/lighthouse/internal/cluster"
)

// HTTPClient talks to the lighthouse HTTP front end at a base URL such as
// http://lighthouse:29510.
type HTTPClient struct {
	baseURL string
	// long carries requests the server may hold open: Join and the failure
	// stream. Their lifetime is bounded by the caller's context instead of a
	// client timeout.
	long *http.Client
}

// NewHTTPClient talks to the HTTP front end rooted at baseURL.
func NewHTTPClient(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		long:    &http.Client{},
	}
}

func (c *HTTPClient) Heartbeat(ctx context.Context, replicaID string) error {
	err := cluster.PostJSON(ctx, c.baseURL+"/heartbeat", cluster.HeartbeatRequest{ReplicaID: replicaID}, nil)
	return mapHTTPError(err)
}

func (c *HTTPClient) Join(ctx context.Context, req cluster.JoinRequest) (cluster.JoinResponse, error) {
	var resp cluster.JoinResponse
	if err := cluster.PostJSONWithClient(ctx, c.long, c.baseURL+"/join", req, &resp); err != nil {
		return cluster.Pending(), mapHTTPError(err)
	}
	return resp, nil
}

func (c *HTTPClient) Status(ctx context.Context) (cluster.StatusResponse, error) {
	var st cluster.StatusResponse
	err := cluster.GetJSON(ctx, c.baseURL+"/status", &st)
	return st, mapHTTPError(err)
}

// SubscribeFailures opens the NDJSON failure stream. It returns once the
// server has accepted the subscription.
func (c *HTTPClient) SubscribeFailures(ctx context.Context) (FailureStream, error) {
	ctx, cancel := context.WithCancel(ctx)
	url := c.baseURL + "/failures/subscribe"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	resp, err := c.long.Do(req)
	if err != nil {
		cancel()
		return nil, mapHTTPError(err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		return nil, mapHTTPError(&cluster.HTTPError{URL: url, StatusCode: resp.StatusCode})
	}
	return &httpFailureStream{
		resp:   resp,
		dec:    json.NewDecoder(resp.Body),
		cancel: cancel,
	}, nil
}

func (c *HTTPClient) Close() error {
	c.long.CloseIdleConnections()
	return nil
}

type httpFailureStream struct {
	resp      *http.Response
	dec       *json.Decoder
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *httpFailureStream) Recv() (cluster.FailureNotification, error) {
	var n cluster.FailureNotification
	if err := s.dec.Decode(&n); err != nil {
		return cluster.FailureNotification{}, err
	}
	return n, nil
}

func (s *httpFailureStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.cancel()
		err = s.resp.Body.Close()
	})
	return err
}

func mapHTTPError(err error) error {
	if err == nil {
		return nil
	}
	var httpErr *cluster.HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusServiceUnavailable:
			return fmt.Errorf("%w: %w", ErrUnavailable, err)
		case httpErr.StatusCode >= 400 && httpErr.StatusCode < 500:
			return fmt.Errorf("%w: %w", ErrRejected, err)
		}
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, err)
}
