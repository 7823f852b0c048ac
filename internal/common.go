package internal

// FnModeOptions carries process-wide switches handed to components that
// talk to external systems.
type FnModeOptions struct {
	// Debug enables verbose protocol logging.
	Debug bool
	// Test makes outbound operations log instead of reaching the network.
	Test bool
}

type FnModeOption func(*FnModeOptions)

func WithDebug(debug bool) FnModeOption {
	return func(opts *FnModeOptions) {
		opts.Debug = debug
	}
}

func WithTest(test bool) FnModeOption {
	return func(opts *FnModeOptions) {
		opts.Test = test
	}
}

func NewModeOptions(options ...FnModeOption) FnModeOptions {
	opts := FnModeOptions{}
	for _, option := range options {
		option(&opts)
	}
	return opts
}
