package plant

import (
	"github.com/sunpool/sunpool/internal/plant/service"
	"go.uber.org/fx"
)

var Module = fx.Module("plant.service",
	fx.Provide(service.NewService),
)
