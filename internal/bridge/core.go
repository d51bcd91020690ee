package bridge

// CoreOptions configures the portable core layer.
type CoreOptions struct {
	Console *Console
}

// RegisterCore returns the bundle for console, math, string, list and
// memory functions.
func RegisterCore[S State](opts CoreOptions) Bundle {
	return func(r *Registry) error {
		con := opts.Console
		if con == nil {
			con = NewConsole(nil, nil, nil)
		}
		var fs []Func
		fs = append(fs, consoleFuncs(con)...)
		fs = append(fs, mathFuncs()...)
		fs = append(fs, stringFuncs()...)
		fs = append(fs, listFuncs()...)
		fs = append(fs, memoryFuncs[S]()...)
		return r.defineAll(LayerCore, fs)
	}
}
