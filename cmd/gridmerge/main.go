package main

import (
	"os"

	"github.com/G-Research/gridmerge/cmd/gridmerge/cmd"
	"github.com/G-Research/gridmerge/internal/common"
)

func main() {
	common.ConfigureLogging()
	common.BindCommandlineArguments()
	err := cmd.RootCmd().Execute()
	if err != nil {
		os.Exit(1)
	}
}
