// The main package for the twicsync executable.
package main

import (
	"os"

	"github.com/JakeFAU/twicsync/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
