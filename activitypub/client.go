package activitypub

import (
	"bytes"
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/deemkeen/stegofed/util"
	"github.com/google/uuid"
)

const maxResponseBytes = 4 << 20

// Identity is the local actor a request is made on behalf of.
type Identity struct {
	AccountId  uuid.UUID
	Username   string
	ActorURI   string
	KeyID      string
	PrivateKey *rsa.PrivateKey
}

// Client is the HTTP transport for federation requests. Every call is bounded
// by the client timeout only.
type Client struct {
	http      *http.Client
	userAgent string
	now       func() time.Time
	logger    *log.Logger
}

func NewClient(httpClient *http.Client, timeout time.Duration, now func() time.Time, logger *log.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if timeout > 0 {
		httpClient.Timeout = timeout
	}
	if now == nil {
		now = time.Now
	}
	return &Client{
		http:      httpClient,
		userAgent: util.UserAgent(),
		now:       now,
		logger:    logger,
	}
}

// Get fetches an ActivityPub document, signed as the given identity when one
// is provided.
func (c *Client) Get(ctx context.Context, url string, as *Identity) ([]byte, error) {
	return c.get(ctx, url, ContentTypeActivity+", "+ContentTypeLD, as)
}

// GetJRD fetches a webfinger document. Discovery is never signed.
func (c *Client) GetJRD(ctx context.Context, url string) ([]byte, error) {
	return c.get(ctx, url, ContentTypeJRD+", application/json", nil)
}

func (c *Client) get(ctx context.Context, url, accept string, as *Identity) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %v", ErrPermanentPeer, err)
	}
	req.Header.Set("Accept", accept)
	req.Header.Set("User-Agent", c.userAgent)
	if as != nil {
		if err := SignRequest(req, as.PrivateKey, as.KeyID, nil, c.now()); err != nil {
			return nil, err
		}
	} else {
		req.Header.Set("Date", c.now().UTC().Format(http.TimeFormat))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: GET %s: %v", ErrTransientNetwork, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return nil, &PeerError{URL: url, Status: resp.StatusCode}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: failed to read response: %v", ErrTransientNetwork, err)
	}
	return body, nil
}

// Post delivers body to an inbox. Posting always requires a signing identity.
func (c *Client) Post(ctx context.Context, inbox string, body []byte, as *Identity) error {
	if as == nil || as.PrivateKey == nil {
		return ErrNoPrivateKey
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, inbox, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: failed to create request: %v", ErrPermanentPeer, err)
	}
	req.Header.Set("Content-Type", ContentTypeActivity)
	req.Header.Set("Accept", ContentTypeActivity)
	req.Header.Set("User-Agent", c.userAgent)
	if err := SignRequest(req, as.PrivateKey, as.KeyID, body, c.now()); err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: POST %s: %v", ErrTransientNetwork, inbox, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &PeerError{URL: inbox, Status: resp.StatusCode}
	}
	c.logger.Debug("delivered", "inbox", inbox, "status", resp.StatusCode)
	return nil
}

// isPermanent reports whether retrying err later is pointless.
func isPermanent(err error) bool {
	return errors.Is(err, ErrPermanentPeer) || errors.Is(err, ErrNoPrivateKey)
}
