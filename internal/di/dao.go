package di

import (
	"go.uber.org/fx"

	gormdao "github.com/milvaion/milvaion/internal/domain/dao/impl/gorm"
)

// DAOModule provides data access objects
var DAOModule = fx.Module("dao",
	fx.Provide(
		gormdao.NewScheduledJobDAO,
		gormdao.NewJobOccurrenceDAO,
		gormdao.NewFailedOccurrenceDAO,
	),
)
