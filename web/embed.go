// Package webassets embeds the browser scripts served by the console host.
package webassets

import "embed"

// FS contains the embedded browser scripts.
//
//go:embed session-hooks.js
var FS embed.FS

// SessionHooksPath is the name of the lifecycle hook script inside FS.
const SessionHooksPath = "session-hooks.js"
