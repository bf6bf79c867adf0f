package main

import (
	"github.com/kmansel/gridrunner/cmd"
)

func main() {
	cmd.Execute()
}
