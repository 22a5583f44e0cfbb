package main

import "github.com/opengate-ai/opengate/cmd"

func main() {
	cmd.Execute()
}
