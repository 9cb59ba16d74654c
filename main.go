package main

import "github.com/stephnangue/gsigate/cmd"

func main() {
	cmd.Execute()
}
