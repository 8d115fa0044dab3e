package elf

import (
	"github.com/go-kit/log"
)

// logger is the package-wide logging side channel. It defaults to a no-op
// so a caller that never configures logging pays no cost and sees no
// output; a failing or absent logger must never affect control flow, so
// nothing in this package inspects Log's return value.
var logger log.Logger = log.NewNopLogger()

// SetLogger installs l as the destination for Init/Hook progress and
// failure messages. Passing nil restores the no-op logger.
func SetLogger(l log.Logger) {
	if l == nil {
		l = log.NewNopLogger()
	}
	logger = l
}
