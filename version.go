package gateway

// VERSION is overridden at build time with -ldflags.
var VERSION = "dev"
