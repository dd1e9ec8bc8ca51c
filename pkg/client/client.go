// Package client is a small, test-oriented client for pkg/server's TCP line
// protocol. It is not part of the core engine; it exists so the end-to-end
// protocol tests don't have to hand-roll socket I/O.
package client

import (
	"bufio"
	"fmt"
	"net"
	"time"

	json "github.com/goccy/go-json"
)

// Client talks to a running kvstored over TCP.
type Client struct {
	addr    string
	timeout time.Duration
}

// New returns a Client targeting addr (host:port).
func New(addr string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Client{addr: addr, timeout: timeout}
}

type wireRequest struct {
	Command string      `json:"command"`
	Key     string      `json:"key,omitempty"`
	Value   string      `json:"value,omitempty"`
	Items   [][2]string `json:"items,omitempty"`
	Query   string      `json:"query,omitempty"`
	TopK    int         `json:"top_k,omitempty"`
}

type wireResponse struct {
	Status  string          `json:"status"`
	Value   *string         `json:"value,omitempty"`
	Results json.RawMessage `json:"results,omitempty"`
	Keys    []string        `json:"keys,omitempty"`
	Message string          `json:"message,omitempty"`
}

func (c *Client) roundTrip(req wireRequest) (*wireResponse, error) {
	conn, err := net.DialTimeout("tcp", c.addr, c.timeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", c.addr, err)
	}
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(c.timeout))

	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	line = append(line, '\n')
	if _, err := conn.Write(line); err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("connection closed with no response")
	}

	var resp wireResponse
	if err := json.Unmarshal(scanner.Bytes(), &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Set stores value under key.
func (c *Client) Set(key, value string) error {
	resp, err := c.roundTrip(wireRequest{Command: "set", Key: key, Value: value})
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// Get returns key's value, if present.
func (c *Client) Get(key string) (string, bool, error) {
	resp, err := c.roundTrip(wireRequest{Command: "get", Key: key})
	if err != nil {
		return "", false, err
	}
	if err := statusErr(resp); err != nil {
		return "", false, err
	}
	if resp.Value == nil {
		return "", false, nil
	}
	return *resp.Value, true, nil
}

// Delete removes key.
func (c *Client) Delete(key string) error {
	resp, err := c.roundTrip(wireRequest{Command: "delete", Key: key})
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// BulkSet atomically sets every pair.
func (c *Client) BulkSet(pairs [][2]string) error {
	resp, err := c.roundTrip(wireRequest{Command: "bulk_set", Items: pairs})
	if err != nil {
		return err
	}
	return statusErr(resp)
}

// SearchText returns keys whose value contains every token in query.
func (c *Client) SearchText(query string) ([]string, error) {
	resp, err := c.roundTrip(wireRequest{Command: "search_text", Query: query})
	if err != nil {
		return nil, err
	}
	if err := statusErr(resp); err != nil {
		return nil, err
	}
	var results []string
	if len(resp.Results) > 0 {
		if err := json.Unmarshal(resp.Results, &results); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// SearchSimilar returns up to topK (key, score) pairs ranked by similarity.
func (c *Client) SearchSimilar(query string, topK int) ([][2]interface{}, error) {
	resp, err := c.roundTrip(wireRequest{Command: "search_similar", Query: query, TopK: topK})
	if err != nil {
		return nil, err
	}
	if err := statusErr(resp); err != nil {
		return nil, err
	}
	var results [][2]interface{}
	if len(resp.Results) > 0 {
		if err := json.Unmarshal(resp.Results, &results); err != nil {
			return nil, err
		}
	}
	return results, nil
}

// GetAllKeys returns every key currently stored.
func (c *Client) GetAllKeys() ([]string, error) {
	resp, err := c.roundTrip(wireRequest{Command: "get_all_keys"})
	if err != nil {
		return nil, err
	}
	if err := statusErr(resp); err != nil {
		return nil, err
	}
	return resp.Keys, nil
}

func statusErr(resp *wireResponse) error {
	if resp.Status != "ok" {
		return fmt.Errorf("kvstore error: %s", resp.Message)
	}
	return nil
}
