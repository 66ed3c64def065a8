package main

import "time"

// Flag structs decouple cobra from the command logic for testing.

type ServeFlags struct {
	ConfigPath    string
	Listen        string
	MetricsListen string
}

type RunFlags struct {
	ConfigPath string
	Executable string
	Archive    string
	TestCase   string
	Token      string
	Timeout    time.Duration
}

type ConfigInitFlags struct {
	ConfigPath string
	Force      bool
}

// APIFlags select the daemon a client command talks to.
type APIFlags struct {
	APIUrl     string
	APITimeout time.Duration
	Insecure   bool
}

type SubmitFlags struct {
	APIFlags
	Archive  string
	TestCase string
	Token    string
	Wait     bool
	Poll     time.Duration
}

type StatusFlags struct {
	APIFlags
	Token string
}

type FactsFlags struct {
	APIFlags
	Token string
}

type DeleteFlags struct {
	APIFlags
	Token string
}
