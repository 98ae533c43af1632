// Command analyzer walks a directory of post-crawl site capture files and
// enriches each one with domain, cookie, and storage privacy analysis.
package main

import "github.com/webprivacy/analysisengine/internal/cmd"

func main() {
	cmd.Main()
}
