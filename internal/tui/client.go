package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/fentz26/rover/internal/controlplane"
	"github.com/fentz26/rover/internal/models"
	"github.com/fentz26/rover/internal/robot"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// SnapshotTimeout covers the server's own wait for an image.
const SnapshotTimeout = 45 * time.Second

// Client wraps HTTP calls to the rover control plane.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates an API client with a timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: DefaultClientTimeout},
	}
}

// Health fetches /health. The body is returned even on 503.
func (c *Client) Health() (*controlplane.HealthResponse, error) {
	resp, err := c.httpClient.Get(c.baseURL + "/health")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var health controlplane.HealthResponse
	if err := json.NewDecoder(resp.Body).Decode(&health); err != nil {
		return nil, fmt.Errorf("decode health: %w", err)
	}
	return &health, nil
}

// Status fetches the robot status and scheduler summary.
func (c *Client) Status() (*controlplane.StatusReport, error) {
	var report controlplane.StatusReport
	if err := c.get("/status", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// ManualTasks fetches the manually triggerable tasks per member.
func (c *Client) ManualTasks() (map[string][]string, error) {
	var byMember map[string][]string
	if err := c.get("/manual_active_tasks", &byMember); err != nil {
		return nil, err
	}
	return byMember, nil
}

// Tasks fetches today's task board.
func (c *Client) Tasks() (*controlplane.TasksReport, error) {
	var report controlplane.TasksReport
	if err := c.get("/tasks", &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Decisions fetches recent audit records.
func (c *Client) Decisions(limit int) ([]models.Decision, error) {
	var out []models.Decision
	if err := c.get("/decisions?limit="+strconv.Itoa(limit), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Trigger queues a task by name.
func (c *Client) Trigger(name string) error {
	body, err := json.Marshal(map[string]string{"name": name})
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Post(c.baseURL+"/trigger", "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return checkStatus(resp)
}

// Snapshot requests a capture at location and waits for it.
func (c *Client) Snapshot(location string) (*robot.SnapshotUploaded, error) {
	hc := *c.httpClient
	hc.Timeout = SnapshotTimeout
	resp, err := hc.Post(c.baseURL+"/snapshot?location="+url.QueryEscape(location), "", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}
	var snap robot.SnapshotUploaded
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

func (c *Client) get(path string, v any) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return err
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func checkStatus(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}
	body, _ := io.ReadAll(resp.Body)
	return fmt.Errorf("API error (%d): %s", resp.StatusCode, bytes.TrimSpace(body))
}
