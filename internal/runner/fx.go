package runner

import (
	"context"

	"go.uber.org/fx"
)

var Module = fx.Module("runner",
	fx.Provide(New),
	fx.Invoke(start),
)

func start(lc fx.Lifecycle, r *Runner) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, cancel := context.WithCancel(context.Background())

			go r.RunForever(ctx)

			lc.Append(fx.Hook{
				OnStop: func(context.Context) error {
					cancel()
					return nil
				},
			})

			return nil
		},
	})
}
