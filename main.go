package main

import "github.com/hiboss-dev/hiboss/cmd"

func main() {
	cmd.Execute()
}
