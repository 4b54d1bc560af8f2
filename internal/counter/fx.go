package counter

import (
	"github.com/smallbiznis/metersync/internal/counter/repository"
	"go.uber.org/fx"
)

var Module = fx.Module("counter",
	fx.Provide(repository.Provide),
	fx.Provide(NewCache),
)
