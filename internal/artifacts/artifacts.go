// Package artifacts holds files embedded in the binary.
package artifacts

import _ "embed"

// Settings is the default settings.yaml written into a new cache root.
//
//go:embed settings.yaml
var Settings []byte
