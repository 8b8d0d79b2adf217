package main

import "github.com/ramiqadoumi/go-task-relay/services/relay/cli"

func main() {
	cli.Execute()
}
