// Package plugins lists the plugins compiled into the binary
package plugins

import (
	"github.com/glefebvre/moviepilot/internal/plugin"
	"github.com/glefebvre/moviepilot/internal/plugins/collectionwash"
	"github.com/glefebvre/moviepilot/internal/plugins/historycleanup"
	"github.com/glefebvre/moviepilot/internal/plugins/mediarefresh"
	"github.com/glefebvre/moviepilot/internal/plugins/speedlimit"
)

// Builtin returns a fresh instance of every built-in plugin
func Builtin() []plugin.Plugin {
	return []plugin.Plugin{
		collectionwash.New(),
		mediarefresh.New(),
		historycleanup.New(),
		speedlimit.New(),
	}
}
