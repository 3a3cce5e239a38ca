// Package templates embeds the HTML pages served by the ops and docs handlers.
package templates

import "embed"

//go:embed ops.html landing.html docs_base.html
var FS embed.FS
