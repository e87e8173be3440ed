package main

import "github.com/arklane/arkbackup/cmd"

func main() {
	cmd.Execute()
}
