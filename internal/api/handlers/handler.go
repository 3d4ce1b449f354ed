package handlers

import (
	"context"

	"go.uber.org/zap"

	"github.com/leozw/clan-war-guardian/internal/metrics"
	"github.com/leozw/clan-war-guardian/internal/storage/hybrid"
	"github.com/leozw/clan-war-guardian/internal/tenants"
)

// StorageHealth reports the state of the persistence layer.
type StorageHealth interface {
	Health() hybrid.Health
	Ping(ctx context.Context) error
}

type Handler struct {
	tenants *tenants.Service
	storage StorageHealth
	metrics *metrics.Collector
	logger  *zap.Logger
}

func NewHandler(svc *tenants.Service, storage StorageHealth, metrics *metrics.Collector, logger *zap.Logger) *Handler {
	return &Handler{
		tenants: svc,
		storage: storage,
		metrics: metrics,
		logger:  logger,
	}
}
