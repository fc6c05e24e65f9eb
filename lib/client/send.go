package client

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/go-i2p/go-onionreq/lib/onion"
	"github.com/go-i2p/go-onionreq/lib/snode"
	"github.com/go-i2p/logger"
	"github.com/samber/oops"
	"github.com/tidwall/gjson"
)

// SendRequest delivers body to target through an onion path and returns the
// destination's reply body. For a SwarmTarget, body is a snode RPC and verb
// is ignored; the request goes to a random member of the swarm.
func (c *Client) SendRequest(ctx context.Context, target Target, verb string, body []byte) ([]byte, error) {
	switch t := target.(type) {
	case SwarmTarget:
		if t.PublicKey == "" {
			return nil, oops.Wrapf(ErrInvalidTarget, "swarm target without public key")
		}
		members, err := c.swarms.TargetSnodes(ctx, t.PublicKey)
		if err != nil {
			return nil, err
		}
		return c.sendSnodePayload(ctx, members[0], body, t.PublicKey)
	case ServerTarget:
		resp, err := c.SendToServer(ctx, t, verb, body)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			return nil, &DestinationError{
				StatusCode:  resp.StatusCode,
				Body:        string(resp.Body),
				Destination: t.Host,
			}
		}
		return resp.Body, nil
	default:
		return nil, oops.Wrapf(ErrInvalidTarget, "unsupported target %T", target)
	}
}

// SendToSnode calls method on s. publicKey names the swarm s was chosen
// from, if any, so status codes can correct the swarm cache.
func (c *Client) SendToSnode(ctx context.Context, s snode.Snode, method string, params any, publicKey string) ([]byte, error) {
	payload, err := snodePayload(method, params)
	if err != nil {
		return nil, err
	}
	return c.sendSnodePayload(ctx, s, payload, publicKey)
}

func snodePayload(method string, params any) ([]byte, error) {
	payload, err := json.Marshal(map[string]any{"method": method, "params": params})
	if err != nil {
		return nil, oops.Wrapf(err, "encoding %s request", method)
	}
	return payload, nil
}

func (c *Client) sendSnodePayload(ctx context.Context, s snode.Snode, payload []byte, publicKey string) ([]byte, error) {
	resp, err := c.send(ctx, onion.SnodeDestination{Snode: s}, payload, onion.V3, &s)
	if err != nil {
		return nil, err
	}
	return c.handleSnodeResponse(ctx, s, publicKey, resp)
}

// SendToServer sends one HTTP request to a server destination and returns
// its reply whatever the status.
func (c *Client) SendToServer(ctx context.Context, t ServerTarget, verb string, body []byte) (onion.Response, error) {
	if t.Host == "" {
		return onion.Response{}, oops.Wrapf(ErrInvalidTarget, "server target without host")
	}
	key, err := onion.ParsePublicKey(t.X25519PublicKey)
	if err != nil {
		return onion.Response{}, oops.Wrapf(ErrInvalidTarget, "server key for %s: %v", t.Host, err)
	}
	if verb == "" {
		verb = http.MethodGet
	}
	endpoint := t.Endpoint
	if !strings.HasPrefix(endpoint, "/") {
		endpoint = "/" + endpoint
	}

	version := t.version()
	var payload []byte
	switch version {
	case onion.V4:
		payload, err = onion.EncodeV4Request(onion.RequestInfo{Method: verb, Endpoint: endpoint, Headers: t.Headers}, body)
	case onion.V3:
		payload, err = onion.EncodeV3Request(verb, strings.TrimPrefix(endpoint, "/"), t.Headers, body)
	default:
		return onion.Response{}, oops.Wrapf(ErrInvalidTarget, "unknown onion version %q", version)
	}
	if err != nil {
		return onion.Response{}, err
	}

	dest := onion.ServerDestination{
		Host:            t.Host,
		Target:          string(version),
		Scheme:          t.Scheme,
		Port:            t.Port,
		X25519PublicKey: key,
	}
	resp, err := c.send(ctx, dest, payload, version, nil)
	if err != nil {
		return onion.Response{}, err
	}
	c.metrics.DestinationStatus(resp.StatusCode)
	return resp, nil
}

func (c *Client) send(ctx context.Context, dest onion.Destination, payload []byte, version onion.Version, exclude *snode.Snode) (onion.Response, error) {
	p, err := c.paths.Acquire(ctx, exclude)
	if err != nil {
		return onion.Response{}, err
	}
	c.metrics.Paths(len(c.paths.Paths()))
	return c.executor.Send(ctx, p, payload, dest, version)
}

// handleSnodeResponse maps a snode's status code to a result and updates
// the swarm cache, snode pool and paths accordingly.
func (c *Client) handleSnodeResponse(ctx context.Context, s snode.Snode, publicKey string, resp onion.Response) ([]byte, error) {
	c.metrics.DestinationStatus(resp.StatusCode)
	fields := logger.Fields{
		"at":          "(Client) handleSnodeResponse",
		"snode":       s.String(),
		"status_code": resp.StatusCode,
	}

	switch code := resp.StatusCode; {
	case code >= 200 && code <= 299:
		c.tracker.RecordSuccess(s, 0)
		c.updateClockOffset(resp.Body)
		return resp.Body, nil

	case code == http.StatusNotAcceptable, code == http.StatusTooEarly:
		log.WithFields(fields).Warn("snode rejected request timestamp")
		return nil, oops.Wrapf(ErrClockOutOfSync, "%s answered %d", s, code)

	case code == http.StatusUnauthorized:
		return nil, oops.Wrapf(ErrSignatureVerificationFailed, "%s answered %d", s, code)

	case code == http.StatusMisdirectedRequest:
		if publicKey != "" {
			c.handleMisdirected(ctx, s, publicKey, resp.Body)
		}
		return nil, c.destinationError(s, resp)

	case code == http.StatusInternalServerError, code == http.StatusBadGateway, code == http.StatusServiceUnavailable:
		c.handleBadSnode(ctx, s, publicKey)
		return nil, c.destinationError(s, resp)

	default:
		log.WithFields(fields).Debug("unexpected snode status")
		return nil, c.destinationError(s, resp)
	}
}

func (c *Client) destinationError(s snode.Snode, resp onion.Response) error {
	return &DestinationError{
		StatusCode:  resp.StatusCode,
		Body:        strings.TrimSpace(string(resp.Body)),
		Destination: s.String(),
	}
}

// handleMisdirected applies a 421: the snode is not in the swarm of
// publicKey. A reply listing the correct swarm replaces the cached one;
// otherwise the snode is removed from it.
func (c *Client) handleMisdirected(ctx context.Context, s snode.Snode, publicKey string, body []byte) {
	if gjson.ValidBytes(body) {
		if swarm, _ := snode.ParseSnodeList(body, snode.SwarmListPath); len(swarm) > 0 {
			c.swarms.Replace(ctx, publicKey, swarm)
			return
		}
	}
	log.WithFields(logger.Fields{
		"at":         "(Client) handleMisdirected",
		"snode":      s.String(),
		"public_key": publicKey,
	}).Info("snode is not in swarm, dropping it")
	c.swarms.DropSnode(ctx, publicKey, s)
	c.metrics.SnodeDropped("swarm")
}

// handleBadSnode counts a server error against s; once the threshold is
// reached s leaves the swarm, the snode pool and every path.
func (c *Client) handleBadSnode(ctx context.Context, s snode.Snode, publicKey string) {
	failures := c.tracker.RecordFailure(s, "destination server error")
	if failures < c.config.Path.SnodeFailureThreshold {
		return
	}
	log.WithFields(logger.Fields{
		"at":       "(Client) handleBadSnode",
		"snode":    s.String(),
		"failures": failures,
	}).Warn("dropping failing snode")

	if publicKey != "" {
		c.swarms.DropSnode(ctx, publicKey, s)
	} else {
		c.swarms.DropSnodeEverywhere(ctx, s)
	}
	c.metrics.SnodeDropped("swarm")
	c.paths.DropSnode(ctx, s)
	c.metrics.SnodeDropped("pool")
	c.metrics.PoolSize(c.pool.Size())
}

// updateClockOffset reads the snode timestamp "t" (milliseconds) from a
// successful reply.
func (c *Client) updateClockOffset(body []byte) {
	if !gjson.ValidBytes(body) {
		return
	}
	t := gjson.GetBytes(body, "t")
	if t.Type != gjson.Number {
		return
	}
	offset := t.Int() - time.Now().UnixMilli()
	c.clockOffset.Store(offset)
}
