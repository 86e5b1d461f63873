package main

import "github.com/kestrelbot/kestrel/cmd"

func main() {
	cmd.Execute()
}
