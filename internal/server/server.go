// Package server exposes the filesystem store over gRPC and a REST gateway.
package server

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/grpc-ecosystem/grpc-gateway/v2/runtime"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ajaxzhan/simfs/internal/fs"
	"github.com/ajaxzhan/simfs/internal/logging"
)

// maxBodyBytes bounds REST request bodies.
const maxBodyBytes = 64 << 20

// Config holds server configuration.
type Config struct {
	GRPCAddr     string
	RESTAddr     string // Optional REST gateway address
	DefaultUmask uint32
	MetricsPath  string              // empty disables /metrics
	Gatherer     prometheus.Gatherer // defaults to prometheus.DefaultGatherer
}

// Server serves a Store over gRPC and, optionally, REST.
type Server struct {
	config     *Config
	grpcServer *grpc.Server
	httpServer *http.Server
	service    *FileSystemService
	log        *zap.Logger
	mu         sync.Mutex
	stopOnce   sync.Once
	stopped    chan struct{}
}

// New creates a server for store.
func New(cfg *Config, store *fs.Store) (*Server, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}

	log := logging.Named("server")
	svc := NewFileSystemService(store, cfg.DefaultUmask)
	grpcServer := grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor(log)))
	grpcServer.RegisterService(serviceDesc(), svc)

	return &Server{
		config:     cfg,
		grpcServer: grpcServer,
		service:    svc,
		log:        log,
		stopped:    make(chan struct{}),
	}, nil
}

func loggingInterceptor(log *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)
		if err != nil {
			log.Debug("rpc failed",
				zap.String("method", info.FullMethod),
				zap.String("code", status.Code(err).String()),
				zap.Duration("elapsed", time.Since(start)),
				zap.Error(err))
		}
		return resp, err
	}
}

// Handler returns the HTTP handler of the REST gateway and the metrics
// endpoint.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/", s.gateway())
	if s.config.MetricsPath != "" {
		gatherer := s.config.Gatherer
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle(s.config.MetricsPath, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// gateway routes POST /v1/fs/{method} to the service in process. Request
// and response bodies are the JSON forms of Request and Response.
func (s *Server) gateway() *runtime.ServeMux {
	gw := runtime.NewServeMux()
	marshaler := &runtime.JSONPb{}

	err := gw.HandlePath(http.MethodPost, "/v1/fs/{method}", func(w http.ResponseWriter, r *http.Request, params map[string]string) {
		ctx := r.Context()
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			runtime.HTTPError(ctx, gw, marshaler, w, r, err)
			return
		}
		in := &structpb.Struct{}
		if len(body) > 0 {
			if err := protojson.Unmarshal(body, in); err != nil {
				runtime.HTTPError(ctx, gw, marshaler, w, r, status.Errorf(codes.InvalidArgument, "malformed body: %v", err))
				return
			}
		}

		out, err := s.service.Call(ctx, params["method"], in)
		if err != nil {
			runtime.HTTPError(ctx, gw, marshaler, w, r, err)
			return
		}
		data, err := protojson.Marshal(out)
		if err != nil {
			runtime.HTTPError(ctx, gw, marshaler, w, r, err)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		if _, err := w.Write(data); err != nil {
			s.log.Debug("failed to write response",
				zap.String("method", params["method"]),
				zap.Error(err))
		}
	})
	if err != nil {
		// The pattern is a constant.
		panic(err)
	}
	return gw
}

// Start listens on the configured addresses and serves until ctx is done
// or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	grpcLis, err := net.Listen("tcp", s.config.GRPCAddr)
	if err != nil {
		return fmt.Errorf("failed to listen on gRPC address: %w", err)
	}
	var httpLis net.Listener
	if s.config.RESTAddr != "" {
		httpLis, err = net.Listen("tcp", s.config.RESTAddr)
		if err != nil {
			grpcLis.Close()
			return fmt.Errorf("failed to listen on REST address: %w", err)
		}
	}
	return s.Serve(ctx, grpcLis, httpLis)
}

// Serve serves on the given listeners. httpLis may be nil.
func (s *Server) Serve(ctx context.Context, grpcLis, httpLis net.Listener) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("gRPC server listening", zap.String("addr", grpcLis.Addr().String()))
		if err := s.grpcServer.Serve(grpcLis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("gRPC server error: %w", err)
		}
		return nil
	})

	if httpLis != nil {
		s.mu.Lock()
		s.httpServer = &http.Server{
			Handler:           s.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}
		httpServer := s.httpServer
		s.mu.Unlock()

		g.Go(func() error {
			s.log.Info("REST gateway listening", zap.String("addr", httpLis.Addr().String()))
			if err := httpServer.Serve(httpLis); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("HTTP server error: %w", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		select {
		case <-ctx.Done():
			s.Stop()
		case <-s.stopped:
		}
		return nil
	})

	return g.Wait()
}

// Stop gracefully stops the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() { close(s.stopped) })

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.httpServer != nil {
		s.httpServer.Close()
		s.httpServer = nil
	}
	s.grpcServer.GracefulStop()
}
