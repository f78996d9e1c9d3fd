package main

import "novelhub/cmd"

func main() {
	cmd.Execute()
}
