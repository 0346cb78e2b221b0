package main

import (
	"os"

	"github.com/alantheprice/commentgen/cmd"
	"github.com/alantheprice/commentgen/pkg/utils"
)

func main() {
	err := cmd.Execute()
	// the logger is replaced once configuration loads, so close whichever is current
	if cerr := utils.GetLogger().Close(); cerr != nil {
		os.Stderr.WriteString("Error closing logger: " + cerr.Error() + "\n")
	}
	if err != nil {
		os.Exit(1)
	}
}
