package booking

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"consulta/backend/internal/domain"
)

const DefaultTimeout = 8 * time.Second

type Config struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
}

// Client talks to the booking platform's calendar API. The platform stores a
// provider's availability as per-weekday block ranges and is the source of
// truth for patient-facing bookings; writes overwrite the full schedule.
type Client struct {
	http     *http.Client
	baseURL  string
	username string
	password string
	log      *slog.Logger
}

func NewClient(cfg Config, log *slog.Logger) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		http:     &http.Client{Timeout: timeout},
		baseURL:  strings.TrimRight(cfg.BaseURL, "/"),
		username: cfg.Username,
		password: cfg.Password,
		log:      log,
	}
}

func (c *Client) scheduleURL(providerExternalID string) string {
	return fmt.Sprintf("%s/providers/%s/schedule", c.baseURL, url.PathEscape(providerExternalID))
}

func (c *Client) ReadSchedule(ctx context.Context, providerExternalID string) (domain.WeekSchedule, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.scheduleURL(providerExternalID), nil)
	if err != nil {
		return nil, err
	}
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("schedule read failed",
			slog.Any("err", err),
			slog.String("provider_external_id", providerExternalID),
		)
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		c.log.Warn("schedule read failed",
			slog.Int("status", resp.StatusCode),
			slog.String("provider_external_id", providerExternalID),
		)
		return nil, fmt.Errorf("read schedule: unexpected status %d", resp.StatusCode)
	}

	var ws domain.WeekSchedule
	if err := json.NewDecoder(resp.Body).Decode(&ws); err != nil {
		return nil, fmt.Errorf("read schedule: decode response: %w", err)
	}
	return ws, nil
}

func (c *Client) WriteSchedule(ctx context.Context, providerExternalID string, ws domain.WeekSchedule) error {
	body, err := json.Marshal(ws)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPut, c.scheduleURL(providerExternalID), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.username != "" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		c.log.Warn("schedule write failed",
			slog.Any("err", err),
			slog.String("provider_external_id", providerExternalID),
		)
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		c.log.Warn("schedule write failed",
			slog.Int("status", resp.StatusCode),
			slog.String("provider_external_id", providerExternalID),
		)
		return fmt.Errorf("write schedule: unexpected status %d", resp.StatusCode)
	}

	return nil
}
