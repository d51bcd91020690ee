package bridge

import "go.uber.org/zap"

// PlatformOptions carries the collaborators of the platform layer.
type PlatformOptions struct {
	// Files roots guest file access. Nil disables file functions.
	Files *Files
	// HTTP is the outbound HTTP client. Nil uses a client with defaults.
	HTTP *HTTPClient
	// GuestLogger receives log_message output.
	GuestLogger *zap.Logger
	// Version is reported by _sys_version.
	Version string
}

// RegisterPlatform returns the bundle for storage, file, HTTP client,
// crypto, environment, time, logging and system functions.
func RegisterPlatform[S PlatformState](opts PlatformOptions) Bundle {
	return func(r *Registry) error {
		client := opts.HTTP
		if client == nil {
			client = NewHTTPClient(HTTPClientConfig{UserAgent: "frame-runtime/" + opts.Version}, nil)
		}
		guest := opts.GuestLogger
		if guest == nil {
			guest = r.logger.Named("guest")
		}
		var fs []Func
		fs = append(fs, dbFuncs[S]()...)
		fs = append(fs, fileFuncs(opts.Files)...)
		fs = append(fs, httpFuncs[S](client)...)
		fs = append(fs, cryptoFuncs()...)
		fs = append(fs, envFuncs[S]()...)
		fs = append(fs, timeFuncs()...)
		fs = append(fs, logFuncs(guest)...)
		fs = append(fs, sysFuncs(opts.Version)...)
		return r.defineAll(LayerPlatform, fs)
	}
}
