// The main package for the linksniff executable.
package main

import (
	"github.com/JakeFAU/linksniff/cmd"
)

func main() {
	cmd.Execute()
}
