package ws

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Service owns a Hub's run loop and the Handler that speaks to it.
type Service struct {
	hub     *Hub
	handler *Handler

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewService creates a hub and handler. Call Start to run the hub.
func NewService(logger zerolog.Logger) *Service {
	hub := NewHub(logger)
	return &Service{
		hub:     hub,
		handler: NewHandler(hub, logger),
	}
}

// Start runs the hub loop until Close or ctx cancellation.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return
	}
	ctx, s.cancel = context.WithCancel(ctx)
	go s.hub.Run(ctx)
}

// Hub returns the hub.
func (s *Service) Hub() *Hub {
	return s.hub
}

// Handler returns the WebSocket handler.
func (s *Service) Handler() *Handler {
	return s.handler
}

// Close stops the hub and waits for its loop to exit. Every remaining
// connection is closed.
func (s *Service) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-s.hub.Done()
}
