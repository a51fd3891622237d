//go:build tools

// Package tools pins code generators used through go generate.
package campuschat

import (
	_ "go.uber.org/mock/mockgen"
)
