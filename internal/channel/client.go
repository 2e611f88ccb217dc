package channel

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
)

// Client is a progress publisher connected to a remote channel endpoint over
// websocket. Messages arriving from other subscribers are read and dropped so
// control frames keep being processed.
type Client struct {
	ws *wsConn
}

// Dial connects to <baseURL>/ws/<name>. baseURL uses the ws or wss scheme
// (http and https are mapped accordingly).
func Dial(ctx context.Context, baseURL, name string) (*Client, error) {
	target, err := channelURL(baseURL, name)
	if err != nil {
		return nil, err
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, target, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("dial progress channel: %w", err)
	}

	c := &Client{ws: newWSConn(conn)}
	go c.drain()
	return c, nil
}

// Send writes msg as one text frame.
func (c *Client) Send(ctx context.Context, msg []byte) error {
	return c.ws.Send(ctx, msg)
}

// Close closes the connection with a normal-closure frame.
func (c *Client) Close() error {
	return c.ws.Close()
}

func (c *Client) drain() {
	for {
		if _, _, err := c.ws.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func channelURL(baseURL, name string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", fmt.Errorf("parse progress url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported progress url scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/ws/" + name
	return u.String(), nil
}
