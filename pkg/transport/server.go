package transport

import (
	"fmt"
	"net"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
)

// Server hosts a RaftServer on a TCP listener, generalizing the
// teacher's pkg/grpc.GRPCTransport.Start/Stop pair onto the
// protoc-free service descriptor in service.go.
type Server struct {
	addr     string
	grpc     *grpc.Server
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer builds a Server listening on addr and registers srv's RPC
// handlers against it; it does not start serving until Start is called.
func NewServer(addr string, srv RaftServer, logger zerolog.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen on %s: %w", addr, err)
	}
	gs := grpc.NewServer()
	RegisterRaftServer(gs, srv)
	return &Server{addr: addr, grpc: gs, listener: lis, logger: logger}, nil
}

// Start serves RPCs until Stop is called, logging a fatal-looking
// serve error rather than panicking: GracefulStop during Stop also
// causes Serve to return, which is not itself an error condition.
func (s *Server) Start() {
	go func() {
		if err := s.grpc.Serve(s.listener); err != nil {
			s.logger.Error().Err(err).Str("addr", s.addr).Msg("transport: server exited")
		}
	}()
}

// Stop drains in-flight RPCs and closes the listener.
func (s *Server) Stop() {
	s.grpc.GracefulStop()
}

// Addr returns the address the listener is bound to, useful when addr
// was passed as "host:0" for an ephemeral port in tests.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}
