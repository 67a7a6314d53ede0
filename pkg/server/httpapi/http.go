// Package httpapi serves the object operations over HTTP:
//
//	GET /index/<key>?offset=O[&extent=data]   NDJSON block index
//	GET /stat/<key>                           {"size":N}
//	GET /serve/<key>                          object bytes, Range aware
//	GET /hash/<key>                           multihash digest
//	GET /block/<key>?offset=O                 one block payload
package httpapi

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/carblob/pkg/digest"
	"github.com/jacktea/carblob/pkg/index"
	"github.com/jacktea/carblob/pkg/metrics"
	"github.com/jacktea/carblob/pkg/server/middleware"
	"github.com/jacktea/carblob/pkg/service"
	"github.com/jacktea/carblob/pkg/xerrors"
)

// Server exposes a Service over HTTP.
type Server struct {
	Service *service.Service
	Log     *zap.Logger
	Metrics *metrics.Metrics
	Opts    Options
}

// Options configure rate limiting and shutdown.
type Options struct {
	RateLimit       middleware.RateLimitOptions
	ShutdownTimeout time.Duration
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s.Handler(), ReadHeaderTimeout: 10 * time.Second}
	timeout := s.Opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().Info("http api listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.router()
}

func (s *Server) router() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
	mux.HandleFunc("/index/", s.read("/index/", s.handleIndex))
	mux.HandleFunc("/stat/", s.read("/stat/", s.handleStat))
	mux.HandleFunc("/serve/", s.read("/serve/", s.handleServe))
	mux.HandleFunc("/hash/", s.read("/hash/", s.handleHash))
	mux.HandleFunc("/block/", s.read("/block/", s.handleBlock))
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, fmt.Sprintf("unknown operation %q", middleware.Operation(r.URL.Path)), http.StatusBadRequest)
	})
	return s.applyMiddleware(mux)
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

type keyHandler func(w http.ResponseWriter, r *http.Request, key string)

// read restricts a route to GET and HEAD and extracts the object key.
func (s *Server) read(prefix string, h keyHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			w.Header().Set("Allow", "GET, HEAD")
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, prefix)
		if key == "" {
			http.Error(w, "missing object key", http.StatusBadRequest)
			return
		}
		h(w, r, key)
	}
}

// handleIndex streams one NDJSON record per block. Without extent=data each
// record spans the full frame rather than the payload alone.
func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	offset, err := offsetParam(r)
	if err != nil {
		httpError(w, err)
		return
	}
	extent, err := index.ParseExtent(r.URL.Query().Get("extent"))
	if err != nil {
		httpError(w, err)
		return
	}
	it, err := s.Service.Index(ctx, key, offset, extent)
	if err != nil {
		httpError(w, err)
		return
	}
	defer it.Close()

	// The first record decides the status code: an archive that fails before
	// producing anything gets a proper error response.
	first, err := it.Next()
	if err != nil && err != io.EOF {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)
	if err == io.EOF || r.Method == http.MethodHead {
		return
	}
	if err := index.Encode(w, first); err != nil {
		s.abort(key, offset, it.Count(), err)
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	_, err = index.Copy(ctx, w, it)
	s.Metrics.AddIndexRecords(it.Count())
	if err != nil {
		s.abort(key, offset, it.Count(), err)
	}
}

// abort drops the connection of a response whose body has started, so the
// client sees a truncated stream instead of a clean end.
func (s *Server) abort(key string, offset, count int64, err error) {
	s.logger().Error("index stream failed",
		zap.String("key", key),
		zap.Int64("offset", offset),
		zap.Int64("records", count),
		zap.Error(err),
	)
	panic(http.ErrAbortHandler)
}

func (s *Server) handleStat(w http.ResponseWriter, r *http.Request, key string) {
	info, err := s.Service.Stat(r.Context(), key)
	if err != nil {
		httpError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := service.EncodeInfo(&buf, info); err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, buf.Bytes())
}

func (s *Server) handleServe(w http.ResponseWriter, r *http.Request, key string) {
	ctx := r.Context()
	rng, err := service.ParseRange(r.Header.Get("Range"))
	if err != nil {
		httpError(w, err)
		return
	}
	obj, err := s.Service.Serve(ctx, key, rng)
	if err != nil {
		if xerrors.KindOf(err) == xerrors.KindRange {
			if info, serr := s.Service.Stat(ctx, key); serr == nil {
				w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", info.Size))
			}
		}
		httpError(w, err)
		return
	}
	defer obj.Close()
	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.FormatInt(obj.Length, 10))
	if rng != nil {
		w.Header().Set("Content-Range", fmt.Sprintf("bytes %d-%d/%d", obj.Offset, obj.Offset+obj.Length-1, obj.Size))
		w.WriteHeader(http.StatusPartialContent)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	if r.Method == http.MethodHead {
		return
	}
	if n, err := io.Copy(w, obj.Body); err != nil {
		s.logger().Error("serve stream failed",
			zap.String("key", key),
			zap.Int64("offset", obj.Offset),
			zap.Int64("written", n),
			zap.Error(err),
		)
		panic(http.ErrAbortHandler)
	}
}

func (s *Server) handleHash(w http.ResponseWriter, r *http.Request, key string) {
	d, err := s.Service.Hash(r.Context(), key)
	if err != nil {
		httpError(w, err)
		return
	}
	body, err := digest.Marshal(d)
	if err != nil {
		httpError(w, err)
		return
	}
	writeJSON(w, body)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request, key string) {
	offset, err := offsetParam(r)
	if err != nil {
		httpError(w, err)
		return
	}
	b, err := s.Service.Block(r.Context(), key, offset)
	if err != nil {
		httpError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", strconv.Itoa(len(b.Data)))
	w.Header().Set("X-Block-Cid", b.CID.String())
	w.Header().Set("X-Block-Offset", strconv.FormatInt(b.Offset, 10))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(b.Data)
}

func writeJSON(w http.ResponseWriter, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(body)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func offsetParam(r *http.Request) (int64, error) {
	raw := r.URL.Query().Get("offset")
	if raw == "" {
		return 0, nil
	}
	offset, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || offset < 0 {
		return 0, xerrors.E(xerrors.KindInvalid, "httpapi.offset", raw)
	}
	return offset, nil
}

func httpError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	default:
		switch xerrors.KindOf(err) {
		case xerrors.KindNotFound:
			status = http.StatusNotFound
		case xerrors.KindCorrupt:
			status = http.StatusUnprocessableEntity
		case xerrors.KindIO:
			status = http.StatusBadGateway
		case xerrors.KindRange:
			status = http.StatusRequestedRangeNotSatisfiable
		case xerrors.KindInvalid:
			status = http.StatusBadRequest
		case xerrors.KindNotSupported:
			status = http.StatusNotImplemented
		}
	}
	http.Error(w, err.Error(), status)
}

func (s *Server) applyMiddleware(handler http.Handler) http.Handler {
	return middleware.Wrap(handler,
		middleware.RequestID(),
		middleware.Logging(s.Log),
		middleware.Metrics(s.Metrics),
		middleware.Recover(s.Log),
		middleware.RateLimit(s.Opts.RateLimit),
	)
}
