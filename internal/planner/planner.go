// Package planner defines the adapter to the external planning service that
// turns a user request into a constellation plan, and revises plans when
// execution escalates.
package planner

import (
	"context"
	"errors"

	"github.com/galaxy-org/galaxy/internal/constellation"
	"github.com/galaxy-org/galaxy/internal/device"
)

var (
	// ErrInvalidPlan is returned when the planner produced an unusable plan.
	ErrInvalidPlan = errors.New("invalid plan")
	// ErrUnavailable is returned when the planner cannot be reached.
	ErrUnavailable = errors.New("planner unavailable")
)

// CreateRequest asks the planner for the initial plan of a user request.
type CreateRequest struct {
	ConstellationID string        `json:"constellation_id"`
	UserRequest     string        `json:"user_request"`
	Devices         []device.View `json:"devices"`
}

// EditRequest asks the planner to revise a running constellation. The
// snapshot carries the complete current graph including runtime state.
type EditRequest struct {
	ConstellationID string                  `json:"constellation_id"`
	UserRequest     string                  `json:"user_request"`
	Reason          string                  `json:"reason"`
	Snapshot        *constellation.Snapshot `json:"snapshot"`
	Devices         []device.View           `json:"devices"`
}

// Planner produces and revises constellation plans.
type Planner interface {
	Create(ctx context.Context, req CreateRequest) (constellation.PlanSpec, error)
	Edit(ctx context.Context, req EditRequest) (constellation.PlanSpec, error)
}
