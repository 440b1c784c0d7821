package main

import "flag"

// Options holds CLI options for the node.
type Options struct {
	ConfigPath string
	// Echo hosts the built-in echo role under this app name when set.
	Echo string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("nucleus-node", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Echo, "echo", "", "Host an echo app with this name")
	_ = fs.Parse(args)
	return opts
}
