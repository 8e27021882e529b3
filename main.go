package main

import "github.com/deco-sec/tower/cmd"

func main() {
	cmd.Execute()
}
