// File: main.go
package main

import "github.com/pagecast/pagecast-cli/cmd"

func main() {
	cmd.Execute()
}
