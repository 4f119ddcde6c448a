package main

import "github.com/hitushen/escudo/internal/cli"

func main() {
	cli.Execute()
}
