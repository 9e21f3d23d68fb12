package main

import "shiori/cmd"

func main() {
	cmd.Execute()
}
