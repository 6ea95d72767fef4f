package consts

// populated at build time with -ldflags "-X ..."
var (
	Version   = "unknown"
	BuildTime = "unknown"
	GitTag    = "unknown"
)
