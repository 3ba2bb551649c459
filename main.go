package main

import "github.com/example/deepfake-check/cmd"

func main() {
	cmd.Execute()
}
