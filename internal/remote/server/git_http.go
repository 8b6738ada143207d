package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/kilupskalvis/gitview/internal/filter"
	"github.com/kilupskalvis/gitview/internal/remote"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// gitHTTP serves the smart HTTP protocol for every view address:
//
//	GET  <addr>/info/refs?service=<service>
//	POST <addr>/git-upload-pack
//	POST <addr>/git-receive-pack
type gitHTTP struct {
	services *Services
	cfg      *ServerConfig
	read     []func(http.Handler) http.Handler
	write    []func(http.Handler) http.Handler
	logger   *slog.Logger
}

// gitRequest is a git endpoint request after routing.
type gitRequest struct {
	addr      *remote.Address
	service   string
	advertise bool
}

func (g *gitHTTP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := r.URL.Path
	req := &gitRequest{}
	switch {
	case strings.HasSuffix(path, "/info/refs"):
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		req.advertise = true
		req.service = r.URL.Query().Get("service")
		path = strings.TrimSuffix(path, "/info/refs")
		if !remote.IsService(req.service) {
			http.Error(w, "only the smart HTTP protocol is supported", http.StatusForbidden)
			return
		}
	case strings.HasSuffix(path, "/"+remote.UploadPackService):
		req.service = remote.UploadPackService
		path = strings.TrimSuffix(path, "/"+remote.UploadPackService)
	case strings.HasSuffix(path, "/"+remote.ReceivePackService):
		req.service = remote.ReceivePackService
		path = strings.TrimSuffix(path, "/"+remote.ReceivePackService)
	default:
		http.NotFound(w, r)
		return
	}
	if !req.advertise && r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	addr, err := remote.ParseAddress(path)
	if err != nil {
		g.addressError(w, req, err)
		return
	}
	req.addr = addr

	chain := g.read
	if req.service == remote.ReceivePackService {
		chain = g.write
	}
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		g.serve(w, r, req)
	})
	noteAddress(r.Context(), addr)
	applyMiddleware(next, chain...).ServeHTTP(w, r.WithContext(withAddress(r.Context(), addr)))
}

// addressError reports an unparseable view address. The advertisement
// answers with an ERR pkt-line so git prints it as a remote error.
func (g *gitHTTP) addressError(w http.ResponseWriter, req *gitRequest, err error) {
	var pe *filter.ParseError
	if !errors.As(err, &pe) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	if !req.advertise {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/x-"+req.service+"-advertisement")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	remote.WriteErrorLine(w, err.Error())
}

func (g *gitHTTP) serve(w http.ResponseWriter, r *http.Request, req *gitRequest) {
	start := time.Now()
	ctx := r.Context()
	reqID := requestID(ctx)

	sess, err := g.services.Session(req.addr, true, reqID)
	if err != nil {
		if errors.Is(err, ErrRepoNotFound) {
			http.Error(w, "repository not found", http.StatusNotFound)
			return
		}
		g.logger.Error("open repository", "error", err, "repo", req.addr.Repo, "request_id", reqID)
		http.Error(w, "internal server error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-cache")
	if req.advertise {
		w.Header().Set("Content-Type", "application/x-"+req.service+"-advertisement")
		err = sess.AdvertiseRefs(ctx, w, req.service, true)
	} else {
		err = g.run(w, r, sess, req.service)
	}
	g.cfg.Metrics.observeSession("http", req.service, start, err)

	if err != nil {
		var pe *remote.ProtocolError
		level := slog.LevelError
		if errors.As(err, &pe) || errors.Is(err, context.Canceled) {
			level = slog.LevelWarn
		}
		g.logger.Log(ctx, level, "git session failed",
			"error", err,
			"service", req.service,
			"repo", req.addr.Repo,
			"view", req.addr.Filter.String(),
			"request_id", reqID,
		)
	}
}

// run serves one stateless upload-pack or receive-pack round.
func (g *gitHTTP) run(w http.ResponseWriter, r *http.Request, sess *remote.Session, service string) error {
	want := "application/x-" + service + "-request"
	if ct := r.Header.Get("Content-Type"); ct != want {
		http.Error(w, fmt.Sprintf("unexpected content type %q", ct), http.StatusUnsupportedMediaType)
		return nil
	}

	if g.cfg.MaxPackSize > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, g.cfg.MaxPackSize)
	}
	body, err := requestBody(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return nil
	}
	defer body.Close()

	w.Header().Set("Content-Type", "application/x-"+service+"-result")
	if service == remote.UploadPackService {
		return sess.UploadPack(r.Context(), body, w)
	}
	return sess.ReceivePack(r.Context(), body, w)
}

// requestBody undoes the Content-Encoding of a git request.
func requestBody(r *http.Request) (io.ReadCloser, error) {
	switch enc := r.Header.Get("Content-Encoding"); enc {
	case "", "identity":
		return r.Body, nil
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid gzip body: %w", err)
		}
		return zr, nil
	case "zstd":
		zr, err := zstd.NewReader(r.Body)
		if err != nil {
			return nil, fmt.Errorf("invalid zstd body: %w", err)
		}
		return zr.IOReadCloser(), nil
	default:
		return nil, fmt.Errorf("unsupported content encoding %q", enc)
	}
}
