package allocation

import (
	"github.com/sunpool/sunpool/internal/allocation/service"
	"go.uber.org/fx"
)

var Module = fx.Module("allocation",
	fx.Provide(
		service.NewService,
	),
)
