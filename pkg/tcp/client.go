package tcp

import (
	"net"
	"time"

	"github.com/pkg/errors"
	"github.com/ryansann/kvs"
	"github.com/ryansann/kvs/pkg/storage/encoding"
	"github.com/ryansann/kvs/pkg/storage/encoding/msgpack"
)

// ClientOption overrides a default client option
type ClientOption func(*clientOptions)

type clientOptions struct {
	timeout time.Duration
}

// Timeout overrides how long a single request, dial included, may take. Non-positive values keep the default.
func Timeout(t time.Duration) ClientOption {
	return func(opts *clientOptions) {
		if t > 0 {
			opts.timeout = t
		}
	}
}

const defaultClientTimeout = 10 * time.Second

// Client sends commands to a Server, one connection per command.
type Client struct {
	addr    string
	timeout time.Duration
}

// NewClient returns a Client for the server at addr.
func NewClient(addr string, opts ...ClientOption) *Client {
	cfg := &clientOptions{
		timeout: defaultClientTimeout,
	}

	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		addr:    addr,
		timeout: cfg.timeout,
	}
}

// Get returns the value stored for key. A missing key is not an error, ok is false.
func (c *Client) Get(key string) (string, bool, error) {
	res, err := c.do(encoding.Get(key))
	if err != nil {
		return "", false, err
	}

	if res.Value == nil {
		return "", false, nil
	}

	return *res.Value, true, nil
}

// Set stores val under key.
func (c *Client) Set(key, val string) error {
	_, err := c.do(encoding.Set(key, val))
	return err
}

// Remove deletes key. It returns an error matching kvs.ErrKeyNotFound if the server does not have key.
func (c *Client) Remove(key string) error {
	_, err := c.do(encoding.Remove(key))
	return err
}

// do sends cmd over a fresh connection and reads the single response.
// Dial and write failures match kvs.ErrConnection, anything but a well formed success matches
// kvs.ErrOperation, except a remove miss which matches kvs.ErrKeyNotFound.
func (c *Client) do(cmd *encoding.Operation) (*Response, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrConnection, err), "could not connect to %s", c.addr)
	}
	defer conn.Close()

	err = conn.SetDeadline(time.Now().Add(c.timeout))
	if err != nil {
		return nil, errors.Wrap(kvs.WithKind(kvs.ErrConnection, err), "could not set deadline")
	}

	err = msgpack.EncodeTo(conn, cmd)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrConnection, err), "could not send %s command", cmd.Type)
	}

	res := &Response{}
	_, err = msgpack.Decode(conn, res)
	if err != nil {
		return nil, errors.Wrapf(kvs.WithKind(kvs.ErrOperation, err), "invalid response to %s command", cmd.Type)
	}

	switch {
	case res.Status == StatusSuccess:
		return res, nil
	case res.Status == StatusError && res.Error == ErrKeyNotFound && cmd.Type == encoding.OpRemove:
		return nil, errors.Wrapf(kvs.ErrKeyNotFound, "key not found: %s", cmd.Key)
	case res.Status == StatusError:
		return nil, errors.Wrapf(kvs.ErrOperation, "server failed to execute %s command: %s", cmd.Type, res.Error)
	default:
		return nil, errors.Wrapf(kvs.ErrOperation, "unexpected response status %q", res.Status)
	}
}
