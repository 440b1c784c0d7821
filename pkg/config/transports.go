package config

// TransportConfig describes one transport kind and its endpoints.
// Example YAML:
// transports:
//   - kind: tcp
//     listen: [":34801"]
//   - kind: quic
//     listen: [":34802"]
//   - kind: winpipe
//     listen: ["\\\\.\\pipe\\nucleus"]
//   - kind: mem
//     listen: ["inproc://node-a"]
type TransportConfig struct {
	Kind   string   `mapstructure:"kind"`
	Listen []string `mapstructure:"listen"`
	// Dial lists remote addresses connected eagerly at start.
	Dial []string `mapstructure:"dial"`
	// Extra holds transport-specific options (quic: alpn, insecure)
	Extra map[string]any `mapstructure:"extra"`
}
