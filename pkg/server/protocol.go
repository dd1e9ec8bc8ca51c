// Package server implements a line-delimited JSON TCP protocol: a thin
// translation layer over pkg/storage.Engine. It holds no storage state of
// its own and performs no consensus — see DESIGN.md for why replication
// here stays best-effort and non-consensus.
package server

import (
	json "github.com/goccy/go-json"
)

// request is the wire shape of every inbound line. Fields are command-
// dependent; unused fields are simply left zero.
type request struct {
	Command string      `json:"command"`
	Key     string      `json:"key,omitempty"`
	Value   string      `json:"value,omitempty"`
	Items   [][2]string `json:"items,omitempty"`
	Query   string      `json:"query,omitempty"`
	TopK    int         `json:"top_k,omitempty"`
}

// response is the wire shape of every outbound line: status, an optional
// value/results/keys payload, and an optional message.
type response struct {
	Status  string      `json:"status"`
	Value   *string     `json:"value,omitempty"`
	Results interface{} `json:"results,omitempty"`
	Keys    []string    `json:"keys,omitempty"`
	Message string      `json:"message,omitempty"`
}

func ok() response { return response{Status: "ok"} }

func errResponse(msg string) response {
	return response{Status: "error", Message: msg}
}

func encode(r response) ([]byte, error) {
	line, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

func decodeRequest(line []byte) (request, error) {
	var req request
	err := json.Unmarshal(line, &req)
	return req, err
}

// jsonMarshalRequest re-serializes a decoded request, for best-effort
// forwarding to replication peers. The forwarded peer re-dispatches it as an
// ordinary command — there is no separate replicate envelope, since a peer
// applying the same set/delete/bulk_set is indistinguishable in effect.
func jsonMarshalRequest(req request) ([]byte, error) {
	line, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	return append(line, '\n'), nil
}

// similarityPair encodes a (key, score) result as a two-element JSON array,
// matching existing external clients' expectations.
type similarityPair [2]interface{}
