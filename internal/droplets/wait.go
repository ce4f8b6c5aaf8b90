package droplets

import (
	"context"
	"errors"
	"log"
	"net/http"
	"time"

	"github.com/gluk-w/claworc/droplet-panel/internal/retry"
)

// DefaultWaitBackoff polls for roughly two minutes.
var DefaultWaitBackoff = retry.Backoff{
	Initial:  2 * time.Second,
	Max:      15 * time.Second,
	Factor:   1.5,
	Attempts: 12,
	Jitter:   true,
}

// WaitForPublicIPv4 polls a new droplet until it reports a public IPv4
// address. A 404 or auth failure stops polling at once.
func (c *Client) WaitForPublicIPv4(ctx context.Context, id string, b retry.Backoff) (string, error) {
	if b.OnRetry == nil {
		b.OnRetry = func(attempt int, err error, wait time.Duration) {
			log.Printf("[droplets] droplet %s not ready (attempt %d): %v; retrying in %s", id, attempt, err, wait.Round(time.Millisecond))
		}
	}

	var ip string
	err := b.Do(ctx, func(int) error {
		d, _, err := c.Get(ctx, id)
		if err != nil {
			var apiErr *APIError
			if errors.Is(err, ErrNoToken) {
				return retry.Permanent(err)
			}
			if errors.As(err, &apiErr) && (apiErr.Status == http.StatusNotFound || apiErr.Status == http.StatusUnauthorized) {
				return retry.Permanent(err)
			}
			return err
		}
		addr, ok := d.PublicIPv4()
		if !ok {
			return ErrNoPublicAddress
		}
		ip = addr
		return nil
	})
	if err != nil {
		return "", err
	}
	log.Printf("[droplets] droplet %s reachable at %s", id, ip)
	return ip, nil
}
