// Command widgetry scaffolds, builds, serves and tunnels widget projects.
package main

import "github.com/lexcodex/widgetry/app/cmd"

func main() {
	cmd.Execute()
}
