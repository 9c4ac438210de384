package conn

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"runtime/debug"

	"github.com/flowpbx/pbxsim/internal/pbx"
)

// Service owns the PBX line-protocol listener: accept, rate-limit,
// register, read-dispatch-loop, unregister.
type Service struct {
	registry *pbx.Registry
	guard    *AcceptGuard
	logger   *slog.Logger
}

// NewService builds a connection service over registry. guard may be nil
// to disable accept-rate limiting entirely.
func NewService(registry *pbx.Registry, guard *AcceptGuard, logger *slog.Logger) *Service {
	return &Service{
		registry: registry,
		guard:    guard,
		logger:   logger.With("component", "conn"),
	}
}

// Serve accepts connections on ln until ctx is cancelled or Accept returns
// an error. An Accept error after ctx is cancelled yields nil; any other
// Accept error is returned as-is, with no retry.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	for {
		c, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			return err
		}

		host, _, splitErr := net.SplitHostPort(c.RemoteAddr().String())
		if splitErr != nil {
			host = c.RemoteAddr().String()
		}
		if s.guard != nil && !s.guard.Allow(host) {
			s.registry.RecordRejection("rate_limited")
			s.logger.Debug("connection rejected by accept guard", "remote_addr", host)
			c.Close()
			continue
		}

		done := s.registry.BeginConnection()
		go s.handle(c, done)
	}
}

// handle owns one connection's entire lifetime: register, read loop,
// dispatch, unregister. It never lets a bug in command handling take the
// whole listener down with it.
func (s *Service) handle(c net.Conn, done func()) {
	defer done()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in connection handler",
				"panic", r,
				"stack", string(debug.Stack()),
				"remote_addr", c.RemoteAddr().String(),
			)
			c.Close()
		}
	}()

	tu := pbx.NewTU(c, s.logger)
	ext, err := s.registry.Register(tu)
	if err != nil {
		s.logger.Warn("connection rejected", "reason", err, "remote_addr", c.RemoteAddr().String())
		tu.Release()
		return
	}

	logger := s.logger.With("extension", ext)
	logger.Info("extension registered", "remote_addr", c.RemoteAddr().String())

	reader := bufio.NewReader(c)
	for {
		line, err := ReadLine(reader)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				logger.Debug("connection closed", "error", err)
			}
			break
		}
		pbx.Dispatch(s.registry, tu, line)
	}

	if err := s.registry.Unregister(tu); err != nil {
		logger.Warn("unregister failed", "error", err)
	}
	tu.Release()
	logger.Info("extension unregistered")
}
