package routes

import (
	"context"

	"github.com/lgulliver/otagate/pkg/types"
)

// HistoryLister lists recorded update attempts, newest first
type HistoryLister interface {
	Recent(ctx context.Context, limit int) ([]types.UpdateAttempt, error)
}

// StatusCache returns the last status published by any process run
type StatusCache interface {
	LastStatus(ctx context.Context) (*types.UpdateStatus, error)
}

// FlashStateReader exposes the persisted slot table
type FlashStateReader interface {
	State(ctx context.Context) (*types.FlashState, error)
}
