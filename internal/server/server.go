// ============================================================================
// Package: server
// File: server.go
// Purpose: gRPC control plane for a running batch
// ============================================================================

// Package server exposes a running batch over gRPC so a second process can
// read its progress, cancel it, lift an intake pause or resize the pool.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/ChuLiYu/docflow/internal/cancellation"
	"github.com/ChuLiYu/docflow/pkg/types"
)

// Batch is the part of a running session the control plane drives.
// *orchestrator.Session implements it.
type Batch interface {
	ID() string
	Progress() types.BatchProgress
	State() cancellation.State
	Paused() bool
	Workers() int
	Cancel(graceful bool) bool
	ResumeIntake() bool
	Resize(n int) (int, error)
}

// Server implements ControlServer for at most one attached batch
type Server struct {
	mu    sync.RWMutex
	batch Batch

	grpc   *grpc.Server
	health *health.Server
	log    zerolog.Logger
}

// New creates a control server. Attach a batch before clients call it.
func New(log zerolog.Logger) *Server {
	s := &Server{
		health: health.NewServer(),
		log:    log,
	}
	s.grpc = grpc.NewServer(grpc.UnaryInterceptor(s.logCalls))
	RegisterControlServer(s.grpc, s)
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Attach makes b the batch served by the control plane
func (s *Server) Attach(b Batch) {
	s.mu.Lock()
	s.batch = b
	s.mu.Unlock()
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.log.Info().Str("batch_id", b.ID()).Msg("batch attached to control server")
}

// Detach stops serving the current batch
func (s *Server) Detach() {
	s.mu.Lock()
	s.batch = nil
	s.mu.Unlock()
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Serve accepts connections on lis until ctx is done, then stops gracefully
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.grpc.Serve(lis) }()
	s.log.Info().Str("addr", lis.Addr().String()).Msg("control server listening")

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpc.GracefulStop()
		<-errCh
		return nil
	case err := <-errCh:
		if errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("control server: %w", err)
	}
}

// ListenAndServe listens on addr and serves until ctx is done
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Stop stops the server immediately
func (s *Server) Stop() { s.grpc.Stop() }

func (s *Server) current() (Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.batch == nil {
		return nil, status.Error(codes.Unavailable, "no batch is running")
	}
	return s.batch, nil
}

// ============================================================================
// ControlServer
// ============================================================================

// GetProgress returns the live progress of the attached batch
func (s *Server) GetProgress(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	snap := Snapshot{
		BatchID:  b.ID(),
		State:    b.State().String(),
		Paused:   b.Paused(),
		Workers:  b.Workers(),
		Progress: b.Progress(),
	}
	out, err := toStruct(snap)
	if err != nil {
		return nil, status.Errorf(codes.Internal, "encode progress: %v", err)
	}
	return out, nil
}

// Cancel requests cancellation; value=true is graceful
func (s *Server) Cancel(_ context.Context, in *wrapperspb.BoolValue) (*emptypb.Empty, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	if !b.Cancel(in.GetValue()) {
		return nil, status.Errorf(codes.FailedPrecondition, "batch is already %s", b.State())
	}
	return &emptypb.Empty{}, nil
}

// ResumeIntake lifts a critical-error pause
func (s *Server) ResumeIntake(_ context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	if !b.ResumeIntake() {
		return nil, status.Error(codes.FailedPrecondition, "intake is not paused")
	}
	return &emptypb.Empty{}, nil
}

// Resize changes the worker count and returns the applied value
func (s *Server) Resize(_ context.Context, in *wrapperspb.Int32Value) (*wrapperspb.Int32Value, error) {
	b, err := s.current()
	if err != nil {
		return nil, err
	}
	n, err := b.Resize(int(in.GetValue()))
	if err != nil {
		return nil, status.Errorf(codes.FailedPrecondition, "resize: %v", err)
	}
	return wrapperspb.Int32(int32(n)), nil
}

func (s *Server) logCalls(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	resp, err := handler(ctx, req)
	ev := s.log.Debug()
	if err != nil {
		ev = s.log.Warn().Err(err)
	}
	ev.Str("method", info.FullMethod).Msg("control call")
	return resp, err
}

// ============================================================================
// Wire snapshot
// ============================================================================

// Snapshot is the GetProgress payload
type Snapshot struct {
	BatchID  string              `json:"batch_id"`
	State    string              `json:"state"`
	Paused   bool                `json:"paused"`
	Workers  int                 `json:"workers"`
	Progress types.BatchProgress `json:"progress"`
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

func fromStruct(s *structpb.Struct, v any) error {
	raw, err := json.Marshal(s.AsMap())
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, v)
}
