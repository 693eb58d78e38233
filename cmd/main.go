package main

import "comfydeploy/internal/cmd"

func main() {
	cmd.Execute()
}
