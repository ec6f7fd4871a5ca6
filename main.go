package main

import "github.com/mapforge/tilefetch/cmd"

func main() {
	cmd.Execute()
}
