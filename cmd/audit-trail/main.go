package main

import "github.com/kafeiih/audit-trail/cmd"

func main() {
	cmd.Execute()
}
