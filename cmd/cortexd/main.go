package main

import "github.com/mvp-joe/cortexd/internal/cli"

func main() {
	cli.Execute()
}
