// cmd/mfdeploy/main.go
package main

import "mfdeploy/cmd/mfdeploy/cmd"

func main() {
	cmd.Execute()
}
