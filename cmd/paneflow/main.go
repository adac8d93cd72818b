// Command paneflow serves the multi-pane streaming broadcast layer.
package main

import (
	"os"
)

func main() {
	if err := NewApp().Execute(); err != nil {
		os.Exit(1)
	}
}
