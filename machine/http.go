package machine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/itskum47/bundleworker/bundle"
)

// HTTPMachine is the reference Machine implementation: it talks to the
// agent package's HTTP surface over the wire, assuming a shared filesystem
// between worker and agent for TempDir (the compute backend's wire format
// and filesystem layout are both deliberately out of scope in the
// specification; this is one concrete choice among many valid ones).
type HTTPMachine struct {
	baseURL string
	client  *http.Client
}

// NewHTTPMachine returns a client for the agent listening at baseURL (e.g.
// "http://127.0.0.1:8081").
func NewHTTPMachine(baseURL string) *HTTPMachine {
	return &HTTPMachine{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

func (m *HTTPMachine) Start(ctx context.Context, b *bundle.Bundle, parentDict map[string]*bundle.Bundle) (LaunchResult, error) {
	payload := map[string]string{
		"uuid":    b.UUID,
		"kind":    string(b.Kind),
		"command": b.Metadata.Extra["command"],
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return LaunchRejected, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.baseURL+"/start", bytes.NewReader(data))
	if err != nil {
		return LaunchRejected, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return LaunchRejected, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return LaunchAccepted, nil
	case http.StatusConflict:
		return LaunchRejected, nil
	default:
		return LaunchRejected, fmt.Errorf("agent rejected start for %s: status %d", b.UUID, resp.StatusCode)
	}
}

func (m *HTTPMachine) Poll(ctx context.Context) (*PollResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.baseURL+"/poll", nil)
	if err != nil {
		return nil, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("agent poll failed: status %d", resp.StatusCode)
	}

	var body struct {
		UUID    string `json:"uuid"`
		Success bool   `json:"success"`
		TempDir string `json:"temp_dir"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, err
	}
	return &PollResult{BundleUUID: body.UUID, Success: body.Success, TempDir: body.TempDir}, nil
}

func (m *HTTPMachine) Kill(ctx context.Context, uuid string) (bool, error) {
	target := m.baseURL + "/kill?uuid=" + url.QueryEscape(uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return false, err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (m *HTTPMachine) Finalize(ctx context.Context, uuid string) error {
	target := m.baseURL + "/finalize?uuid=" + url.QueryEscape(uuid)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, nil)
	if err != nil {
		return err
	}
	resp, err := m.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("agent finalize failed for %s: status %d", uuid, resp.StatusCode)
	}
	return nil
}
