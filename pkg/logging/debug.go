package logging

// DebugEnable is a string passed in by the compiler to control the build's
// inclusion of Debuggable sections:
//
//	go build -ldflags "-X github.com/amazonlinux/bottlerocket/strapper/pkg/logging.DebugEnable=1"
var DebugEnable string

// Debuggable means that the build should include any debugging logic in it,
// such as per-unit plan dumps and envelope traces. The compiler *should* erase
// anything that's otherwise in a conditional.
var Debuggable = DebugEnable != ""
