// Command crawler runs the persistent web crawler.
package main

import (
	"os"

	"github.com/JakeFAU/frontier-crawler/cmd"
)

func main() {
	os.Exit(cmd.Execute())
}
