package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

var log = slog.Default()

// ServiceName 回傳 pool 在 health service 中的名稱
func ServiceName(poolID string) string { return "pool/" + poolID }

// Server 對外提供 gRPC health service：每個已註冊的 pool 一個 service 名稱
//
// 空字串 service 代表整個程序；pool 取消註冊後回報 NOT_SERVING。
type Server struct {
	grpc   *grpc.Server
	health *health.Server

	mu       sync.Mutex
	listener net.Listener
	serveWg  sync.WaitGroup
}

// NewServer creates a gRPC server with the health service registered.
func NewServer(opts ...grpc.ServerOption) *Server {
	s := &Server{
		grpc:   grpc.NewServer(opts...),
		health: health.NewServer(),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	return s
}

// Health 回傳 health service 實作
func (s *Server) Health() healthpb.HealthServer { return s.health }

// MarkServing pool 已註冊且可接受任務
func (s *Server) MarkServing(poolID string) {
	s.health.SetServingStatus(ServiceName(poolID), healthpb.HealthCheckResponse_SERVING)
}

// MarkNotServing pool 已移除或關閉
func (s *Server) MarkNotServing(poolID string) {
	s.health.SetServingStatus(ServiceName(poolID), healthpb.HealthCheckResponse_NOT_SERVING)
}

// Status 查詢 pool 目前的狀態
func (s *Server) Status(ctx context.Context, poolID string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	resp, err := s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName(poolID)})
	if err != nil {
		return healthpb.HealthCheckResponse_SERVICE_UNKNOWN, err
	}
	return resp.Status, nil
}

// Serve 在 addr 上開始服務（背景 goroutine）
func (s *Server) Serve(addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.listener != nil {
		return fmt.Errorf("grpc server already serving on %s", s.listener.Addr())
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	s.listener = lis
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	s.serveWg.Add(1)
	go func() {
		defer s.serveWg.Done()
		if err := s.grpc.Serve(lis); err != nil {
			log.Error("gRPC server stopped", "error", err)
		}
	}()

	log.Info("gRPC health server started", "addr", lis.Addr().String())
	return nil
}

// Addr 回傳實際監聽位址；未啟動時為 nil
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop 將所有 service 標記為 NOT_SERVING 並關閉
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.serveWg.Wait()
}
