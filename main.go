package main

import (
	"os"

	"github.com/genesis32/labsetup/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
