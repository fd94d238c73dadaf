package sources

import (
	"github.com/Super-Protocol/price-proxy/internal/config"
	"github.com/Super-Protocol/price-proxy/internal/model"
	"github.com/Super-Protocol/price-proxy/internal/netx/httpclient"
)

// restAdapter carries the pieces every REST adapter shares.
type restAdapter struct {
	name model.SourceName
	cfg  *config.SourceConfig
	http *httpclient.Client
}

func (a *restAdapter) Name() model.SourceName        { return a.name }
func (a *restAdapter) Config() *config.SourceConfig  { return a.cfg }
