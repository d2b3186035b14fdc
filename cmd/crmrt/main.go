package main

import "github.com/jsherman999/crmrealtime/internal/cli"

func main() { cli.Main() }
