// The main package for the harvester executable.
package main

import (
	"github.com/lexcorpus/harvester/cmd"
)

func main() {
	cmd.Execute()
}
