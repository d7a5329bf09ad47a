package subscriber

import (
	"github.com/sunpool/sunpool/internal/subscriber/service"
	"go.uber.org/fx"
)

var Module = fx.Module("subscriber.service",
	fx.Provide(service.NewService),
)
