// The main package for the recipecrawler executable.
package main

import (
	"github.com/JakeFAU/recipe-crawler/cmd"
)

func main() {
	cmd.Execute()
}
