package main

// Version and Gitref are overridden at build time via -ldflags.
var (
	Version = "dev"
	Gitref  string
)
