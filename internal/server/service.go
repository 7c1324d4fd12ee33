package server

import (
	"context"

	"github.com/flipgate/flipgate/internal/cohort"
	"github.com/flipgate/flipgate/internal/core"
	"github.com/flipgate/flipgate/internal/flags"
	"github.com/flipgate/flipgate/internal/version"
)

// FlagService is the flag surface the HTTP handlers need. Satisfied by
// flags.Manager.
type FlagService interface {
	Evaluate(flagName string, ec core.EvaluationContext) core.EvaluationResult
	Register(flag core.Flag)
	UpdateFlag(name string, update flags.Update) (core.Flag, error)
	Rollback(name string) (core.Flag, error)
	GetFlag(name string) (core.Flag, bool)
	ListFlags() []core.Flag
	RecordError(name string)
	RecordSuccess(name string)
	Subscribe() (<-chan flags.Event, func())
}

// CohortDirectory is the cohort surface the HTTP handlers need. Satisfied by
// cohort.Manager.
type CohortDirectory interface {
	Create(def cohort.Definition) core.Cohort
	Update(name string, def cohort.Definition) bool
	Delete(name string) bool
	Get(name string) (core.Cohort, bool)
	List() []core.Cohort
	AddUser(userID, name string) bool
	RemoveUser(userID, name string) bool
	UserCohorts(userID string, attributes map[string]any) []string
	Export() ([]byte, error)
	Import(payload []byte) (int, error)
}

// Gateway routes requests between version handlers. Satisfied by
// version.Router.
type Gateway interface {
	Route(ctx context.Context, req *version.Request) *version.Response
	HealthCheck(ctx context.Context) version.HealthStatus
}
