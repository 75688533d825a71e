// Package services holds the per-job subsystems an orchestrator starts and
// stops. Each subpackage exposes a Service with idempotent Start and Shutdown.
package services

import "context"

// Lifecycle is the contract of every per-job subsystem.
type Lifecycle interface {
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
}
