package expiration

import (
	"github.com/sunpool/sunpool/internal/expiration/service"
	"go.uber.org/fx"
)

var Module = fx.Module("expiration",
	fx.Provide(
		service.NewService,
	),
)
