package main

import "github.com/tanq16/bolt/cmd"

func main() {
	cmd.Execute()
}
