package di

import (
	"go.uber.org/fx"

	"github.com/milvaion/milvaion/internal/domain/repository/impl"
)

// RepositoryModule provides domain repositories
var RepositoryModule = fx.Module("repository",
	fx.Provide(
		impl.NewScheduledJobRepository,
		impl.NewJobOccurrenceRepository,
		impl.NewFailedOccurrenceRepository,
		impl.NewHealthChecker,
	),
)
