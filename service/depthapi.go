package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	"image/png"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/TIANLI0/DepthKit/config"
	"github.com/TIANLI0/DepthKit/utils"
)

// RemoteDepthSource obtains depth maps from a token-gated estimation
// service. Submission is asynchronous on the remote side: the client submits
// the color image, polls the returned job until it settles, then downloads
// the produced depth map.
type RemoteDepthSource struct {
	baseURL      string
	token        string
	client       *http.Client
	pollInterval time.Duration
	pollTimeout  time.Duration
}

func NewRemoteDepthSource(cfg *config.DepthSourceConfig) *RemoteDepthSource {
	return &RemoteDepthSource{
		baseURL:      cfg.BaseURL,
		token:        cfg.APIToken,
		client:       &http.Client{Timeout: 30 * time.Second},
		pollInterval: cfg.PollInterval,
		pollTimeout:  cfg.PollTimeout,
	}
}

type depthJobStatus struct {
	ID     string `json:"id"`
	Status string `json:"status"` // pending, processing, succeeded, failed
	URL    string `json:"url"`
	Error  string `json:"error"`
}

// DepthMap implements DepthSource.
func (s *RemoteDepthSource) DepthMap(ctx context.Context, colorImg image.Image) (image.Image, error) {
	id, err := s.submit(ctx, colorImg)
	if err != nil {
		return nil, err
	}

	utils.Logger.Info("depth estimation submitted", zap.String("remote_job", id))

	status, err := s.poll(ctx, id)
	if err != nil {
		return nil, err
	}

	return s.download(ctx, status.URL)
}

func (s *RemoteDepthSource) submit(ctx context.Context, colorImg image.Image) (string, error) {
	var body bytes.Buffer
	if err := png.Encode(&body, colorImg); err != nil {
		return "", fmt.Errorf("failed to encode image for submission: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+"/v1/depth", &body)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to submit depth request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("depth service returned %s", resp.Status)
	}

	var status depthJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return "", fmt.Errorf("failed to decode submission response: %w", err)
	}
	if status.ID == "" {
		return "", errors.New("depth service returned no job id")
	}
	return status.ID, nil
}

func (s *RemoteDepthSource) poll(ctx context.Context, id string) (*depthJobStatus, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.pollTimeout)
	defer cancel()

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	// Check immediately: fast remote jobs should not pay a full poll
	// interval of latency.
	for {
		status, err := s.fetchStatus(pollCtx, id)
		if err != nil {
			return nil, err
		}

		switch status.Status {
		case "succeeded":
			return status, nil
		case "failed":
			return nil, fmt.Errorf("depth estimation failed: %s", status.Error)
		}

		select {
		case <-pollCtx.Done():
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("depth estimation timed out after %s", s.pollTimeout)
		case <-ticker.C:
		}
	}
}

func (s *RemoteDepthSource) fetchStatus(ctx context.Context, id string) (*depthJobStatus, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/v1/depth/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create status request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch depth job status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("depth service returned %s", resp.Status)
	}

	var status depthJobStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("failed to decode status response: %w", err)
	}
	return &status, nil
}

func (s *RemoteDepthSource) download(ctx context.Context, url string) (image.Image, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create download request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+s.token)

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to download depth map: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("depth service returned %s", resp.Status)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read depth map: %w", err)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode depth map: %w", err)
	}
	return img, nil
}
