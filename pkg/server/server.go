package server

import (
	"bufio"
	"context"
	"net"
	"time"

	"go.uber.org/zap"

	"github.com/salmahazem14/kvstore/pkg/index"
	"github.com/salmahazem14/kvstore/pkg/storage"
)

// Engine is the subset of *storage.Engine the server depends on.
type Engine interface {
	Set(key, value string) error
	Get(key string) (string, bool, error)
	Delete(key string) (bool, error)
	BulkSet(pairs []storage.KV) error
	SearchText(query string) ([]string, error)
	SearchSimilar(query string, topK int) ([]index.Scored, error)
	GetAllKeys() ([]string, error)
}

// Peer is a best-effort replication target: acknowledged mutations are
// forwarded fire-and-forget, with no ack wait and no consensus (see
// DESIGN.md for why this stays non-consensus).
type Peer struct {
	Addr string
}

// Server is the TCP collaborator: it holds no storage state of its own,
// translating line-delimited JSON requests into Engine calls and forwarding
// acknowledged mutations to Peers.
type Server struct {
	engine Engine
	log    *zap.SugaredLogger
	peers  []Peer
}

// New returns a Server bound to engine. peers may be empty; when non-empty,
// every acknowledged set/delete/bulk_set is forwarded best-effort.
func New(engine Engine, peers []Peer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{engine: engine, log: logger.Sugar(), peers: peers}
}

// Serve listens on addr and handles connections until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	s.log.Infow("server listening", "addr", addr)

	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.log.Warnw("accept failed", "error", err)
				continue
			}
		}
		go s.handleConn(conn)
	}
}

// handleConn reads newline-delimited JSON requests until the connection
// closes, and writes back one newline-delimited JSON response per request.
func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	writer := bufio.NewWriter(conn)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := s.dispatch(append([]byte(nil), line...))
		encoded, err := encode(resp)
		if err != nil {
			s.log.Errorw("encode response failed", "error", err)
			return
		}
		if _, err := writer.Write(encoded); err != nil {
			return
		}
		if err := writer.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) dispatch(line []byte) response {
	req, err := decodeRequest(line)
	if err != nil {
		return errResponse("invalid request: " + err.Error())
	}

	switch req.Command {
	case "set":
		if err := s.engine.Set(req.Key, req.Value); err != nil {
			return errResponse(err.Error())
		}
		s.forward(req)
		return ok()

	case "get":
		value, found, err := s.engine.Get(req.Key)
		if err != nil {
			return errResponse(err.Error())
		}
		resp := ok()
		if found {
			resp.Value = &value
		}
		return resp

	case "delete":
		if _, err := s.engine.Delete(req.Key); err != nil {
			return errResponse(err.Error())
		}
		s.forward(req)
		return ok()

	case "bulk_set":
		pairs := make([]storage.KV, len(req.Items))
		for i, item := range req.Items {
			pairs[i] = storage.KV{Key: item[0], Value: item[1]}
		}
		if err := s.engine.BulkSet(pairs); err != nil {
			return errResponse(err.Error())
		}
		s.forward(req)
		return ok()

	case "search_text":
		results, err := s.engine.SearchText(req.Query)
		if err != nil {
			return errResponse(err.Error())
		}
		resp := ok()
		resp.Results = results
		return resp

	case "search_similar":
		topK := req.TopK
		if topK == 0 {
			topK = 10
		}
		scored, err := s.engine.SearchSimilar(req.Query, topK)
		if err != nil {
			return errResponse(err.Error())
		}
		pairs := make([]similarityPair, len(scored))
		for i, sc := range scored {
			pairs[i] = similarityPair{sc.Key, sc.Score}
		}
		resp := ok()
		resp.Results = pairs
		return resp

	case "get_all_keys":
		keys, err := s.engine.GetAllKeys()
		if err != nil {
			return errResponse(err.Error())
		}
		resp := ok()
		resp.Keys = keys
		return resp

	default:
		return errResponse("unknown command")
	}
}

// forward best-effort replicates an acknowledged mutation to every
// configured peer: fire-and-forget, no ack wait, no term/vote machinery.
func (s *Server) forward(req request) {
	if len(s.peers) == 0 {
		return
	}
	payload, err := jsonMarshalRequest(req)
	if err != nil {
		return
	}
	for _, peer := range s.peers {
		go func(addr string) {
			conn, err := net.DialTimeout("tcp", addr, time.Second)
			if err != nil {
				return
			}
			defer conn.Close()
			conn.Write(payload)
		}(peer.Addr)
	}
}
