package main

import "github.com/navtile/chartsrv/internal/cmd"

func main() {
	cmd.Execute()
}
