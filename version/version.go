package version

// Version is set with -ldflags at release time.
var Version string = "0.0.0"
