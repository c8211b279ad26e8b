package app

// version is overridden at release build time with -ldflags.
var version = "0.1.0-dev"
