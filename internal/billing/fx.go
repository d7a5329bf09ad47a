package billing

import (
	"github.com/sunpool/sunpool/internal/billing/service"
	"go.uber.org/fx"
)

var Module = fx.Module("billing",
	fx.Provide(
		service.NewService,
	),
)
