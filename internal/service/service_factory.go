package service

import (
	"io"
	"sync"

	"go.uber.org/zap"
)

// ServiceFactory creates and manages service instances
type ServiceFactory struct {
	deps   Deps
	logger *zap.Logger

	mu                  sync.Mutex
	verificationService *VerificationService
}

// NewServiceFactory creates a new service factory
func NewServiceFactory(deps Deps) *ServiceFactory {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ServiceFactory{deps: deps, logger: logger}
}

// VerificationService returns the verification service instance (singleton)
func (f *ServiceFactory) VerificationService() *VerificationService {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.verificationService == nil {
		f.verificationService = NewVerificationService(f.deps)
	}
	return f.verificationService
}

// Cleanup flushes pending decision events.
func (f *ServiceFactory) Cleanup() {
	if c, ok := f.deps.Events.(io.Closer); ok {
		if err := c.Close(); err != nil {
			f.logger.Error("Failed to flush decision events", zap.Error(err))
		}
	}
}
