package main

import (
	"fmt"
	"os"
)

func main() {
	a := &app{newAPI: defaultAPI}
	if err := execute(newRootCommandWith(a), a); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
