package darkweb

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/m-mizutani/threatwatch/pkg/adaptor"
	"github.com/m-mizutani/threatwatch/pkg/errors"
	"github.com/m-mizutani/threatwatch/pkg/logging"
)

var logger = logging.Logger

const defaultSettleTime = 5 * time.Second

// Rotator requests a new Tor circuit via control port. Rotations are serialized.
type Rotator struct {
	Settle time.Duration
	ctrl   adaptor.TorController
	mutex  sync.Mutex
	count  int
}

func NewRotator(ctrl adaptor.TorController) *Rotator {
	return &Rotator{Settle: defaultSettleTime, ctrl: ctrl}
}

// Rotate sends SIGNAL NEWNYM and waits until the new circuit settles
func (x *Rotator) Rotate(ctx context.Context) error {
	x.mutex.Lock()
	defer x.mutex.Unlock()

	if err := x.ctrl.Signal(ctx, "NEWNYM"); err != nil {
		return errors.Wrap(err, "Failed to rotate Tor identity")
	}
	x.count++
	logger.Debug().Int("count", x.count).Msg("Tor identity rotated")

	if err := sleep(ctx, x.Settle); err != nil {
		return err
	}
	return nil
}

// Count returns number of successful rotations
func (x *Rotator) Count() int {
	x.mutex.Lock()
	defer x.mutex.Unlock()
	return x.count
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

const ipCheckURL = "https://httpbin.org/ip"

type ipResponse struct {
	Origin string `json:"origin"`
}

// ExitIP returns public IP address seen by httpbin through client
func ExitIP(ctx context.Context, client adaptor.HTTPClient) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ipCheckURL, nil)
	if err != nil {
		return "", errors.Wrap(err, "Failed to create IP check request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return "", errors.Wrap(err, "Failed to check exit IP")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", errors.New("Unexpected status code of IP check").With("code", resp.StatusCode)
	}

	var ip ipResponse
	if err := json.NewDecoder(resp.Body).Decode(&ip); err != nil {
		return "", errors.Wrap(err, "Failed to decode IP check response")
	}
	return ip.Origin, nil
}
