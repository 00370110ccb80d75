package main

import "time"

// GlobalFlags mirrors the persistent flags. Values are read through
// config.Load, which only honours flags the user actually set.
type GlobalFlags struct {
	ConfigPath  string
	StoreURL    string
	RemoteURL   string
	RepoDir     string
	Remote      string
	User        string
	LogFile     string
	LogLevel    string
	MetricsAddr string
	Timeout     time.Duration
}

type StatusFlags struct {
	Output string // text, json or yaml
}
