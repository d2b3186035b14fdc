package main

import "github.com/jsherman999/crmrealtime/internal/daemon"

func main() { daemon.Main() }
