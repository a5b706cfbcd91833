// Command testflow executes declarative test plans against bench devices.
package main

import (
	"os"

	"github.com/qwdingyu/testflow/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
