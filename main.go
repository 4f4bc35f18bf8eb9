// Command auditor runs the answerability audit engine.
package main

import (
	"github.com/JakeFAU/answerability-auditor/cmd"
)

func main() {
	cmd.Execute()
}
